// Package archive keeps the raw extraction payloads in object storage so a
// disputed QC record can always be traced back to what the extractor saw.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Service struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// SavePayload stores the extraction payload for a source document. The object
// name is keyed by project and document, so re-importing the same document
// overwrites rather than accumulates.
func (s *Service) SavePayload(ctx context.Context, projectID, docID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	objectName := fmt.Sprintf("%s/%s.json", projectID, docID)
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload payload: %w", err)
	}
	return nil
}

// PayloadURL returns a presigned download URL for an archived payload.
func (s *Service) PayloadURL(ctx context.Context, projectID, docID string, expiry time.Duration) (string, error) {
	objectName := fmt.Sprintf("%s/%s.json", projectID, docID)
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign payload url: %w", err)
	}
	return url.String(), nil
}
