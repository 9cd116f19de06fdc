package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transfer-orchestrator/backend/internal/repository"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if !usesPostgres(cfg) {
				return errNeedsPostgres
			}

			pool, err := initDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.Migrate(cmd.Context(), pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Migrations applied", "database", cfg.DB.Name)
			return nil
		},
	}
}
