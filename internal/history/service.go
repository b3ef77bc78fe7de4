// Package history keeps an as-built trail of each project's panel layout in a
// per-project git repository. Every accepted delta lands as one commit, so
// the layout at any point of construction can be recovered by hash.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"geoliner/api/internal/layout"
)

const layoutFile = "layout.json"

// CommitInfo describes one point in a project's layout history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot records the layout state after an accepted delta. The repo
// is initialized on first commit; everything lives on main.
func (s *Service) CommitSnapshot(projectID string, snap layout.Snapshot, author, message string) (CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(projectID)
	if err != nil {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal layout snapshot: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, layoutFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write layout file: %w", err)
	}
	if _, err := worktree.Add(layoutFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add layout: %w", err)
	}

	if message == "" {
		message = fmt.Sprintf("Layout version %d", snap.Version)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.geoliner.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit layout: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj, snap.Version), nil
}

// SnapshotAt recovers the layout as it was at the given commit hash.
func (s *Service) SnapshotAt(projectID, hash string) (layout.Snapshot, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return layout.Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return layout.Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return layout.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshotFromCommit(commitObj)
}

// History lists the project's layout commits, newest first.
func (s *Service) History(projectID string, limit int) ([]CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		snap, err := readSnapshotFromCommit(commitObj)
		version := int64(-1)
		if err == nil {
			version = snap.Version
		}
		items = append(items, toCommitInfo(commitObj, version))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) openOrInit(projectID string) (*git.Repository, error) {
	path := s.repoPath(projectID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func readSnapshotFromCommit(commitObj *object.Commit) (layout.Snapshot, error) {
	file, err := commitObj.File(layoutFile)
	if err != nil {
		return layout.Snapshot{}, fmt.Errorf("load layout file from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return layout.Snapshot{}, fmt.Errorf("open layout reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return layout.Snapshot{}, fmt.Errorf("read layout bytes: %w", err)
	}

	var snap layout.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return layout.Snapshot{}, fmt.Errorf("decode layout snapshot: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit, version int64) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		Version:   version,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
