package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"geoliner/api/internal/app"
	"geoliner/api/internal/archive"
	"geoliner/api/internal/config"
	"geoliner/api/internal/history"
	"geoliner/api/internal/layout"
	"geoliner/api/internal/realtime"
	"geoliner/api/internal/search"
	"geoliner/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	layouts := layout.NewStore(dataStore, layout.DefaultPatchPolicy)
	historySvc := history.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	var presence *realtime.Presence
	if strings.TrimSpace(cfg.RedisURL) != "" {
		presence, err = realtime.NewPresence(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer presence.Close()
	} else {
		log.Printf("No Redis configured, presence roster disabled")
	}

	var archiveSvc *archive.Service
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiveSvc, err = archive.New(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Fatalf("archive connection failed: %v", err)
		}
	} else {
		log.Printf("No archive endpoint configured, extraction payloads will not be retained")
	}

	hub := realtime.NewHub(layouts, presence)
	service := app.New(cfg, dataStore, layouts, hub, presence, historySvc, searchService, archiveSvc)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	wsHandler := realtime.NewWSHandler(hub, cfg.CORSOrigin, cfg.WSWriteTimeout)
	httpServer := app.NewHTTPServer(service, wsHandler, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Geoliner API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
