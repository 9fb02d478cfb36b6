package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/noah-isme/stagerun-api/internal/config"
	"github.com/noah-isme/stagerun-api/internal/database"
	"github.com/noah-isme/stagerun-api/internal/models"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the progression schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			db, err := database.ConnectPostgres(cfg.DatabaseURL)
			if err != nil {
				return err
			}

			if err := migrateSchema(db); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func migrateSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(models.ProgressionModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
