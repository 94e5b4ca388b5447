package cmd

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/experimentd/internal/common/database"
	"github.com/G-Research/experimentd/internal/experimentd/events"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "Brings the schema of the postgres event store up to date",
		RunE:  migrateDatabase,
	}
	cmd.PersistentFlags().Duration("timeout", 5*time.Minute, "Duration after which the migration fails if it has not completed")
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("Opening connection pool to postgres")
	db, err := database.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	migrations, err := events.Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, db, migrations)
}
