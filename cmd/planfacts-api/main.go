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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/auth"
	"github.com/PlanFactsLab/planfacts/backend/internal/config"
	"github.com/PlanFactsLab/planfacts/backend/internal/database"
	"github.com/PlanFactsLab/planfacts/backend/internal/directory"
	"github.com/PlanFactsLab/planfacts/backend/internal/imports"
	"github.com/PlanFactsLab/planfacts/backend/internal/logging"
	"github.com/PlanFactsLab/planfacts/backend/internal/metrics"
	"github.com/PlanFactsLab/planfacts/backend/internal/server"
	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "planfacts-api",
		Short: "PlanFacts provider directory trust service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired verification evidence in bounded batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			return runCleanup(cmd.Context(), dryRun, batchSize)
		},
	}
	cleanupCmd.Flags().Bool("dry-run", false, "Count expired rows without deleting")
	cleanupCmd.Flags().Int("batch-size", 0, "Rows per deletion round (0 for default)")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Stamp expirations on legacy rows that predate the TTL scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			apply, _ := cmd.Flags().GetBool("apply")
			return runBackfill(cmd.Context(), apply)
		},
	}
	backfillCmd.Flags().Bool("apply", false, "Write the derived expirations instead of previewing")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a short-lived operator token for the admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			return runIssueToken(cmd.Context(), operator)
		},
	}
	tokenCmd.Flags().String("operator", "", "Operator name recorded in the token subject")

	rootCmd.AddCommand(cleanupCmd, backfillCmd, tokenCmd)

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
	cmd.PersistentFlags().Int("ttl-days", defaults.GetInt("trust.ttl_days"), "Verification evidence TTL in days")
	cmd.PersistentFlags().Int("sybil-window-days", defaults.GetInt("trust.sybil_window_days"), "Duplicate-submission window in days")
	cmd.PersistentFlags().Int("consensus-minimum", defaults.GetInt("trust.consensus_minimum"), "Verifications required for full consensus credit")
	cmd.PersistentFlags().String("admin-signing-secret", "", "Operator token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "trust.ttl_days", "ttl-days")
	bindFlag(cmd, "trust.sybil_window_days", "sybil-window-days")
	bindFlag(cmd, "trust.consensus_minimum", "consensus-minimum")
	bindFlag(cmd, "admin.signing_secret", "admin-signing-secret")
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

// application wires the shared service graph used by the server and the
// batch subcommands.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	registry  *prometheus.Registry
	lifecycle *trust.Lifecycle
	trust     *trust.Service
	directory *directory.Service
	resolver  *imports.Resolver
	tokens    *auth.TokenIssuer

	closeDB func() error
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	trustConfig := appConfig.TrustConfig()
	registry := prometheus.NewRegistry()
	instruments := metrics.New(registry)

	lifecycle, err := trust.NewLifecycle(trust.LifecycleConfig{
		Database: db,
		Config:   trustConfig,
		Logger:   logger,
		Metrics:  instruments,
	})
	if err != nil {
		return nil, err
	}

	scorer, err := trust.NewScorer(trustConfig)
	if err != nil {
		return nil, err
	}

	directoryService, err := directory.NewService(directory.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	idProvider := trust.NewUUIDProvider()

	trustService, err := trust.NewService(trust.ServiceConfig{
		Database:   db,
		Config:     trustConfig,
		IDProvider: idProvider,
		Providers:  directoryService,
		Plans:      directoryService,
		Lifecycle:  lifecycle,
		Scorer:     scorer,
		Logger:     logger,
		Metrics:    instruments,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := imports.NewResolver(imports.ResolverConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
		Metrics:    instruments,
	})
	if err != nil {
		return nil, err
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
	})

	return &application{
		config:    appConfig,
		logger:    logger,
		db:        db,
		registry:  registry,
		lifecycle: lifecycle,
		trust:     trustService,
		directory: directoryService,
		resolver:  resolver,
		tokens:    tokens,
		closeDB:   sqlDB.Close,
	}, nil
}

func (a *application) close() {
	if a.closeDB != nil {
		a.closeDB() //nolint:errcheck
	}
	a.logger.Sync() //nolint:errcheck
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TrustService:     app.trust,
		Lifecycle:        app.lifecycle,
		DirectoryService: app.directory,
		Resolver:         app.resolver,
		TokenValidator:   app.tokens,
		Gatherer:         app.registry,
		Logger:           app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
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

func runCleanup(ctx context.Context, dryRun bool, batchSize int) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	report, err := app.lifecycle.CleanupExpired(ctx, dryRun, batchSize)
	if err != nil {
		return err
	}
	app.logger.Info("cleanup finished",
		zap.Bool("dry_run", report.DryRun),
		zap.Int64("expired_verifications", report.ExpiredVerifications),
		zap.Int64("expired_acceptances", report.ExpiredAcceptances),
		zap.Int64("deleted_verifications", report.DeletedVerifications),
		zap.Int64("deleted_acceptances", report.DeletedAcceptances),
		zap.Int64("deleted_votes", report.DeletedVotes))
	return nil
}

func runBackfill(ctx context.Context, apply bool) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	report, err := app.lifecycle.BackfillExpirations(ctx, apply)
	if err != nil {
		return err
	}
	app.logger.Info("backfill finished",
		zap.Bool("applied", report.Applied),
		zap.Int64("missing_verifications", report.MissingVerifications),
		zap.Int64("missing_acceptances", report.MissingAcceptances),
		zap.Int64("updated_verifications", report.UpdatedVerifications),
		zap.Int64("updated_acceptances", report.UpdatedAcceptances))
	return nil
}

func runIssueToken(ctx context.Context, operator string) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	token, expiresIn, err := app.tokens.IssueOperatorToken(ctx, operator)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", token)
	app.logger.Info("operator token issued",
		zap.String("operator", operator),
		zap.Int64("expires_in_seconds", expiresIn))
	return nil
}
