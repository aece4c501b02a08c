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

	"atelier/api/internal/app"
	"atelier/api/internal/assets"
	"atelier/api/internal/config"
	"atelier/api/internal/editlock"
	"atelier/api/internal/search"
	"atelier/api/internal/snapshot"
	"atelier/api/internal/store"
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
	snapshots := snapshot.New(cfg.ReposDir)

	locker, err := editlock.New(cfg.RedisURL, cfg.EditLockTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer locker.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	var service *app.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		assetService, err := assets.New(ctx, assets.Config{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.AssetBaseURL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		service = app.New(cfg, dataStore, locker, searchService, snapshots, assetService)
	} else {
		log.Printf("WARNING: object storage not configured, asset uploads disabled")
		service = app.New(cfg, dataStore, locker, searchService, snapshots, nil)
	}

	// Rebuild the search index in the background; a cold or wiped
	// Meilisearch volume would otherwise stay empty until each project
	// is published again.
	go func() {
		if err := service.ReindexSearch(ctx); err != nil {
			log.Printf("search reindex failed: %v", err)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atelier API listening on %s", cfg.Addr)
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
	service.Close(shutdownCtx)
}
