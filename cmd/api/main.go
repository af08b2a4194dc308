package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"opentd/internal/app"
	"opentd/internal/config"
	"opentd/internal/docstore"
	"opentd/internal/logging"
	"opentd/internal/storage"
	"opentd/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("opentd api stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	var accounts app.AccountStore
	var db *sql.DB
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		db, err = store.Connect(ctx, cfg.DatabaseURL, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		accounts = store.NewPostgresStore(db)
		log.Info("accounts stored in postgres")
	} else {
		accounts = store.NewMemoryStore()
		log.Warn("DATABASE_URL not set, accounts kept in memory")
	}

	mode, err := storage.ParseMode(cfg.StorageMode)
	if err != nil {
		return err
	}
	opts := []storage.ServiceOption{storage.WithBaseDir(cfg.DataDir)}
	if mode == storage.ModeMongo {
		documents, closeDocuments, err := openDocumentStore(ctx, cfg, db)
		if err != nil {
			return fmt.Errorf("document store: %w", err)
		}
		defer closeDocuments()
		opts = append(opts, storage.WithDocumentStore(documents))
	}
	storageSvc, err := storage.NewService(mode, opts...)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"mode": mode, "data_dir": cfg.DataDir}).Info("storage ready")

	service := app.NewService(cfg, accounts, storageSvc, log)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("opentd api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	return nil
}

// openDocumentStore picks the document handle from OPENTD_DOCUMENT_URL: a
// redis:// URL selects Redis hashes and a postgres:// URL a jsonb table. With
// no URL the accounts database is reused when there is one.
func openDocumentStore(ctx context.Context, cfg config.Config, accountsDB *sql.DB) (storage.DocumentStore, func(), error) {
	raw := strings.TrimSpace(cfg.DocumentURL)
	if raw == "" {
		if accountsDB == nil {
			return nil, nil, storage.ErrMissingDatabase
		}
		return docstore.NewPostgres(accountsDB), func() {}, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse OPENTD_DOCUMENT_URL: %w", err)
	}
	switch parsed.Scheme {
	case "redis", "rediss":
		documents, err := docstore.NewRedis(raw)
		if err != nil {
			return nil, nil, err
		}
		return documents, func() { _ = documents.Close() }, nil
	case "postgres", "postgresql":
		db, err := store.Connect(ctx, raw, filepath.Clean(cfg.MigrationsDir))
		if err != nil {
			return nil, nil, err
		}
		return docstore.NewPostgres(db), func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported OPENTD_DOCUMENT_URL scheme %q", parsed.Scheme)
}
