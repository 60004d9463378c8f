package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/connection"
	"github.com/zulandar/switchboard/internal/connection/discord"
	"github.com/zulandar/switchboard/internal/connection/slack"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/orchestrator"
)

// devPairDelay is how long the development mock waits before completing
// pairing.
const devPairDelay = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		port       int
		dev        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Runs the session orchestrator and the HTTP API. Instances that were pairing
or connected when the process last stopped are re-attached when
orchestrator.autostart is set. With --dev, instances on the "mock" platform
simulate pairing without a real network.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, envFile, port, dev)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before the config")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable the mock platform")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, envFile string, port int, dev bool) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log := logging.Component("serve")

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", databaseLabel(cfg.Database), err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	st, err := openStore(cfg, gormDB)
	if err != nil {
		return err
	}

	hubLog := logging.Component("broadcast")
	hub := broadcast.NewHub(broadcast.HubOpts{Buffer: cfg.Orchestrator.EventBuffer, Logger: &hubLog})
	defer hub.Close()

	dialers := newDialers(cfg, logging.Component("connection"), dev)

	orchLog := logging.Logger
	orch, err := orchestrator.New(orchestrator.Opts{
		Store:       st,
		Dialer:      dialers,
		Channel:     hub,
		Logger:      &orchLog,
		StopTimeout: time.Duration(cfg.Orchestrator.StopTimeoutSec) * time.Second,
		EventBuffer: cfg.Orchestrator.EventBuffer,
	})
	if err != nil {
		return err
	}
	// Runs before hub.Close so final broadcasts are not lost.
	defer orch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Orchestrator.Autostart {
		if err := orch.StartAll(ctx); err != nil {
			log.Warn().Err(err).Msg("some instances failed to autostart")
		}
	}
	if cfg.Orchestrator.ReconnectCron != "" {
		if err := orch.ScheduleReconnect(cfg.Orchestrator.ReconnectCron); err != nil {
			return err
		}
		log.Info().Str("schedule", cfg.Orchestrator.ReconnectCron).Msg("reconnect sweep scheduled")
	}

	if port <= 0 {
		port = cfg.Server.Port
	}
	apiLog := logging.Logger
	srv, err := api.New(api.Opts{
		Orchestrator:   orch,
		Store:          st,
		Events:         hub,
		Platforms:      dialers.Platforms(),
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Port:           port,
		Logger:         &apiLog,
		Out:            cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	log.Info().Strs("platforms", dialers.Platforms()).Str("database", databaseLabel(cfg.Database)).Msg("switchboard starting")
	return srv.Start(ctx)
}

// newDialers registers a dialer for every supported platform. The mock
// platform is only available in development mode.
func newDialers(cfg *config.Config, log zerolog.Logger, dev bool) *connection.Registry {
	reg := connection.NewRegistry()
	reg.Register(discord.Platform, discord.NewDialer(cfg.Discord.BotToken, log))
	reg.Register(slack.Platform, slack.NewDialer(slack.Credentials{
		AppToken: cfg.Slack.AppToken,
		BotToken: cfg.Slack.BotToken,
	}, log))
	if dev {
		reg.Register(connection.MockPlatform, connection.NewDevDialer(devPairDelay))
	}
	return reg
}
