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
	"atelier/api/internal/config"
	"atelier/api/internal/files"
	"atelier/api/internal/gateway"
	"atelier/api/internal/search"
	"atelier/api/internal/store"
	"atelier/api/internal/tokens"
	"atelier/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Verifier chain: signature first, then the stored-token records.
	verifiers := []app.Verifier{app.JWTVerifier([]byte(cfg.JWTSecret))}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for stored-token records")
		redisStore, err := tokens.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		verifiers = append(verifiers, app.StoredTokenVerifier(redisStore))
	} else {
		log.Printf("Using PostgreSQL for stored-token records")
		verifiers = append(verifiers, app.StoredTokenVerifier(dataStore))
	}

	var fileService *files.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobStore, err := files.NewMinioStore(ctx, files.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		fileService = files.NewService(dataStore, blobStore, files.Limits{
			MaxFilesPerMessage: cfg.MaxFilesPerMessage,
			MaxFileSizeBytes:   cfg.MaxFileSizeBytes,
		})
	} else {
		log.Printf("MINIO_ENDPOINT not set, file attachments disabled")
	}

	pgSearch := search.NewPgSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)
	searchService.ReindexAllFromPG(ctx, pgSearch)

	relay := gateway.NewRelay(cfg.GatewayURL, cfg.GatewayTimeout)
	registry := ws.NewRegistry()

	service := app.New(cfg, dataStore, verifiers, registry, relay, fileService, searchService)
	httpServer := app.NewHTTPServer(service, registry, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Atelier chat API listening on %s", cfg.Addr)
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
