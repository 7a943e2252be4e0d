package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/overlayworks/pointsqueue/internal/audit"
	"github.com/overlayworks/pointsqueue/internal/auth"
	"github.com/overlayworks/pointsqueue/internal/config"
	"github.com/overlayworks/pointsqueue/internal/database"
	"github.com/overlayworks/pointsqueue/internal/hub"
	"github.com/overlayworks/pointsqueue/internal/ingest"
	"github.com/overlayworks/pointsqueue/internal/logging"
	"github.com/overlayworks/pointsqueue/internal/metrics"
	"github.com/overlayworks/pointsqueue/internal/policy"
	"github.com/overlayworks/pointsqueue/internal/queue"
	"github.com/overlayworks/pointsqueue/internal/server"
	"github.com/overlayworks/pointsqueue/internal/version"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pointsqueue-api",
		Short: "Channel points redemption queue service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Stream token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("stream.token_ttl"), "Stream token lifetime")
	cmd.PersistentFlags().Int("ring-max-entries", defaults.GetInt("ring.max_entries"), "Patch ring capacity per stream")
	cmd.PersistentFlags().Duration("ring-ttl", defaults.GetDuration("ring.ttl"), "Patch ring retention")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "stream.signing_secret", "signing-secret")
	bindFlag(cmd, "stream.token_ttl", "token-ttl")
	bindFlag(cmd, "ring.max_entries", "ring-max-entries")
	bindFlag(cmd, "ring.ttl", "ring-ttl")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand mints a stream token from the command line, mostly for
// wiring up overlays and smoke testing streams.
func newTokenCommand() *cobra.Command {
	var broadcasterID string
	var audience string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a stream token for a broadcaster",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			tokens, err := auth.NewStreamTokens(auth.StreamTokenConfig{
				SigningSecret: []byte(appConfig.StreamSigningSecret),
				Issuer:        appConfig.StreamTokenIssuer,
				TokenTTL:      appConfig.StreamTokenTTL,
			})
			if err != nil {
				return err
			}
			signed, expiresAt, err := tokens.Issue(broadcasterID, audience)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_at: %s\n", signed, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&broadcasterID, "broadcaster", "", "Broadcaster identifier")
	cmd.Flags().StringVar(&audience, "audience", auth.AudienceOverlay, "Token audience (overlay or admin)")
	_ = cmd.MarkFlagRequired("broadcaster")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokens, err := auth.NewStreamTokens(auth.StreamTokenConfig{
		SigningSecret: []byte(appConfig.StreamSigningSecret),
		Issuer:        appConfig.StreamTokenIssuer,
		TokenTTL:      appConfig.StreamTokenTTL,
	})
	if err != nil {
		return err
	}

	store, err := queue.NewStore(queue.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	executor, err := queue.NewExecutor(queue.ExecutorConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: queue.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	snapshots, err := queue.NewSnapshotBuilder(queue.SnapshotBuilderConfig{Database: db})
	if err != nil {
		return err
	}

	serviceMetrics := metrics.New(version.Version, time.Now())
	distribution := hub.NewHub(hub.Config{
		RingMaxEntries: appConfig.RingMaxEntries,
		RingTTL:        appConfig.RingTTL,
		BufferSize:     appConfig.StreamBufferSize,
		Metrics:        serviceMetrics,
	})
	tap := audit.NewHub()

	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Store:    store,
		Executor: executor,
		Policy:   policy.NewEngine(policy.EngineConfig{}),
		Hub:      distribution,
		Tap:      tap,
		Metrics:  serviceMetrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokens,
		Executor:  executor,
		Snapshots: snapshots,
		Store:     store,
		Ingest:    ingestService,
		Hub:       distribution,
		Tap:       tap,
		Metrics:   serviceMetrics,
		Logger:    logger,
		Heartbeat: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("version", version.Version))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
