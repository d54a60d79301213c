package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/changeroom/billingcore/internal/reconcile"
	"github.com/changeroom/billingcore/internal/store/gormstore"
	"github.com/changeroom/billingcore/internal/stripefeed"
	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL  = "database-url"
	flagSource       = "source"
	flagInput        = "input"
	flagStripeAPIKey = "stripe-api-key"
	flagDryRun       = "dry-run"

	configKeyDatabaseURL  = "database_url"
	configKeyStripeAPIKey = "stripe_api_key"

	defaultDatabaseURL = "sqlite:///tmp/billing.db"

	sourceJSONL  = "jsonl"
	sourceStripe = "stripe"
)

type runtimeConfig struct {
	DatabaseURL  string
	Source       string
	InputPath    string
	StripeAPIKey string
	DryRun       bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Cross-check provider payments against the grant ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagSource, sourceJSONL, "payment record source, jsonl or stripe")
	cmd.Flags().String(flagInput, "", "path to a JSONL payment export")
	cmd.Flags().String(flagStripeAPIKey, "", "Stripe secret key for the stripe source")
	cmd.Flags().Bool(flagDryRun, false, "report discrepancies without applying grants")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyStripeAPIKey, "STRIPE_API_KEY"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyStripeAPIKey, cmd.Flags().Lookup(flagStripeAPIKey)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.Source, _ = cmd.Flags().GetString(flagSource)
	cfg.InputPath, _ = cmd.Flags().GetString(flagInput)
	cfg.StripeAPIKey = viper.GetString(configKeyStripeAPIKey)
	cfg.DryRun, _ = cmd.Flags().GetBool(flagDryRun)

	switch cfg.Source {
	case sourceJSONL:
		if cfg.InputPath == "" {
			return fmt.Errorf("input path is required for the jsonl source")
		}
	case sourceStripe:
		if cfg.StripeAPIKey == "" {
			return fmt.Errorf("stripe api key is required for the stripe source")
		}
	default:
		return fmt.Errorf("unknown source %q", cfg.Source)
	}
	return nil
}

func run(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	billingService, err := billing.NewService(store, billing.DefaultConfig(), clock)
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}

	var source reconcile.Source
	switch cfg.Source {
	case sourceStripe:
		stripe.Key = cfg.StripeAPIKey
		source = stripefeed.NewPaymentIntentSource(nil, nil)
	default:
		fileSource, err := reconcile.OpenJSONLFile(cfg.InputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = fileSource.Close() }()
		source = fileSource
	}

	reconciler, err := reconcile.New(store, billingService, logger)
	if err != nil {
		return err
	}
	report, err := reconciler.Run(ctx, source, cfg.DryRun)
	if err != nil {
		return err
	}

	fmt.Printf("checked: %d\n", report.Checked)
	fmt.Printf("already applied: %d\n", report.AlreadyApplied)
	fmt.Printf("mismatched: %d\n", report.Mismatched)
	fmt.Printf("missing: %d (%d credits)\n", report.Missing, report.MissingCredits)
	fmt.Printf("applied: %d\n", report.Applied)
	for _, requestID := range report.MissingRequests {
		fmt.Printf("missing grant: %s\n", requestID)
	}
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
