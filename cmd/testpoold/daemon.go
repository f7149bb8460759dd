package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/testpool/testpoold/internal/backend"
	_ "github.com/testpool/testpoold/internal/backend/dockerdriver"
	_ "github.com/testpool/testpoold/internal/backend/fakedriver"
	"github.com/testpool/testpoold/internal/config"
	"github.com/testpool/testpoold/internal/engine"
	"github.com/testpool/testpoold/internal/httpapi"
	"github.com/testpool/testpoold/internal/logging"
	"github.com/testpool/testpoold/internal/metrics"
	"github.com/testpool/testpoold/internal/notify"
	"github.com/testpool/testpoold/internal/reservation"
	"github.com/testpool/testpoold/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		pgDSN        string
		httpAddr     string
		logLevel     string
		logFormat    string
		count        int
		maxSleepTime time.Duration
		minSleepTime time.Duration
		noSetup      bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation daemon",
		Long:  "Runs setup once, then loops applying pool adapt/action cycles until the process is stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Daemon.LogFormat = logFormat
			}
			if cmd.Flags().Changed("count") {
				cfg.Daemon.Count = count
			}
			if cmd.Flags().Changed("max-sleep-time") {
				cfg.Daemon.MaxSleepTime = maxSleepTime
			}
			if cmd.Flags().Changed("min-sleep-time") {
				cfg.Daemon.MinSleepTime = minSleepTime
			}
			if cmd.Flags().Changed("no-setup") {
				cfg.Daemon.Setup = false
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			met := metrics.Init(cfg.Daemon.MetricsNamespace)

			st, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect store: %w", err)
			}
			defer st.Close()

			profile := logging.DefaultProfileLogger()
			if cfg.Daemon.ProfileLog != "" {
				if err := profile.SetOutput(cfg.Daemon.ProfileLog); err != nil {
					logging.Op().Warn("failed to open profile log", "path", cfg.Daemon.ProfileLog, "error", err)
				}
				defer profile.Close()
			}

			var notifier notify.Notifier = notify.NewNoopNotifier()
			if cfg.Redis.Enabled {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
				rn := notify.NewRedisNotifier(rdb)
				defer rn.Close()
				notifier = rn
			}

			eng := engine.New(st, backend.Global())
			eng.Notifier = notifier
			eng.Metrics = met
			eng.Profile = profile
			eng.MaxAttempts = cfg.Daemon.MaxAttempts

			logging.Op().Info("testpoold starting",
				"plugins", cfg.Plugins,
				"setup", cfg.Daemon.Setup,
				"max_sleep_time", cfg.Daemon.MaxSleepTime.String(),
				"min_sleep_time", cfg.Daemon.MinSleepTime.String())

			if cfg.Daemon.Setup {
				if err := eng.Setup(context.Background()); err != nil {
					logging.Op().Error("setup failed", "error", err)
				}
			}

			res := reservation.New(st)
			res.Notifier = notifier
			res.Metrics = met

			var httpServer *httpapi.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = httpapi.NewServer(httpapi.Config{
					Addr:         cfg.Daemon.HTTPAddr,
					Store:        st,
					Reservations: res,
					Metrics:      met,
				})
				go func() {
					logging.Op().Info("HTTP API listening", "addr", cfg.Daemon.HTTPAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("HTTP server stopped", "error", err)
					}
				}()
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logging.Op().Info("shutdown signal received")
				cancel()
			}()

			runErr := eng.Run(ctx, engine.RunOptions{
				Count:        cfg.Daemon.Count,
				MaxSleepTime: cfg.Daemon.MaxSleepTime,
				MinSleepTime: cfg.Daemon.MinSleepTime,
			})

			if httpServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = httpServer.Shutdown(shutdownCtx)
				shutdownCancel()
			}

			if runErr != nil && runErr != context.Canceled {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres connection string")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API listen address (e.g. :8080)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after N scheduler iterations (0 = run forever)")
	cmd.Flags().DurationVar(&maxSleepTime, "max-sleep-time", 0, "Longest sleep when nothing is due")
	cmd.Flags().DurationVar(&minSleepTime, "min-sleep-time", 0, "Shortest sleep when something is nearly due")
	cmd.Flags().BoolVar(&noSetup, "no-setup", false, "Skip the startup setup pass")

	return cmd
}
