package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"transfer-orchestrator/backend/internal/config"
	"transfer-orchestrator/backend/internal/credential"
	"transfer-orchestrator/backend/internal/logging"
	"transfer-orchestrator/backend/internal/repository"
)

// seed registers the engine's inbound credential and the control plane's
// outbound credential. Applications that already exist are left alone.
func main() {
	ctx := context.Background()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if !strings.EqualFold(cfg.Store, "postgres") {
		log.Fatalf("Seeding needs store: postgres, got %q", cfg.Store)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	creds := credential.NewManager(repository.NewPostgresStore(pool), logger, credential.Options{
		TTL:                 cfg.Credentials.TTL,
		InternalApplication: cfg.Credentials.InternalApplication,
	})

	apps := []struct {
		Name        string
		Permissions []string
	}{
		{cfg.Credentials.EngineApplication, credential.EnginePermissions},
		{cfg.Credentials.InternalApplication, credential.InternalPermissions},
	}

	for _, app := range apps {
		cred, err := creds.Issue(ctx, app.Name, app.Permissions)
		if errors.Is(err, credential.ErrDuplicateApplication) {
			logger.Info("Skipping existing application", "application", app.Name)
			continue
		}
		if err != nil {
			log.Fatalf("Failed to issue credential for %s: %v", app.Name, err)
		}
		logger.Info("Seeded credential", "application", app.Name, "id", cred.ID, "expires_at", cred.ExpiresAt)
		fmt.Printf("%s token: %s\n", app.Name, cred.Token)
	}
	logger.Info("Seeding complete!")
}
