package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	commonconfig "github.com/hypervisor-io/hypervisor/internal/common/config"
	"github.com/hypervisor-io/hypervisor/internal/common/database"
	hypervisordb "github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the hypervisor database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if config.Storage != commonconfig.PostgresStorage {
		return errors.Errorf("storage is %s, only postgres has a schema to migrate", config.Storage)
	}
	start := time.Now()
	log.Info("Beginning hypervisor database migration")
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return errors.Wrapf(err, "Failed to connect to database")
	}
	defer db.Close()
	err = hypervisordb.Migrate(context.Background(), db)
	if err != nil {
		return errors.Wrapf(err, "Failed to migrate hypervisor database")
	}
	log.Infof("Hypervisor database migrated in %s", time.Since(start))
	return nil
}
