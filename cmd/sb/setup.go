package main

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/sealed"
	"github.com/zulandar/switchboard/internal/store"
	"gorm.io/gorm"
)

// connectFromConfig loads the config and opens the configured database.
func connectFromConfig(configPath, envFile string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", databaseLabel(cfg.Database), err)
	}
	return cfg, gormDB, nil
}

// openStore builds the Store with the session sealer from config.
func openStore(cfg *config.Config, gormDB *gorm.DB) (*store.Store, error) {
	sealer, err := sealed.New(sealed.Opts{
		Recipients:   cfg.Sessions.AgeRecipients,
		IdentityFile: cfg.Sessions.AgeIdentityFile,
	})
	if err != nil {
		return nil, err
	}
	return store.New(store.Opts{DB: gormDB, Sealer: sealer})
}

func databaseLabel(cfg config.DatabaseConfig) string {
	if cfg.Driver == "sqlite" {
		return "sqlite:" + cfg.Path
	}
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
}
