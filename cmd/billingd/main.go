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

	"github.com/changeroom/billingcore/internal/httpapi"
	"github.com/changeroom/billingcore/internal/oplog"
	"github.com/changeroom/billingcore/internal/store/gormstore"
	"github.com/changeroom/billingcore/internal/store/pgstore"
	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL         = "database-url"
	flagStoreBackend        = "store"
	flagListenAddr          = "listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagAdminToken          = "admin-token"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagTrialCredits        = "trial-credits"

	configKeyDatabaseURL         = "database_url"
	configKeyStoreBackend        = "store_backend"
	configKeyListenAddr          = "listen_addr"
	configKeyAllowedOrigins      = "allowed_origins"
	configKeySessionSigningKey   = "session_signing_key"
	configKeySessionIssuer       = "session_issuer"
	configKeySessionCookieName   = "session_cookie_name"
	configKeyAdminToken          = "admin_token"
	configKeyStripeWebhookSecret = "stripe_webhook_secret"
	configKeyTrialCredits        = "trial_credits"

	defaultDatabaseURL = "sqlite:///tmp/billing.db"
	defaultListenAddr  = ":9090"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL  string
	StoreBackend string
	API          httpapi.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Credit billing HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "store backend, gorm or pgx")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "session token signing key")
	cmd.Flags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagAdminToken, "", "shared token for the admin surface")
	cmd.Flags().String(flagStripeWebhookSecret, "", "stripe webhook signing secret")
	cmd.Flags().Int64(flagTrialCredits, 0, "credits covered by the free trial")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:         "DATABASE_URL",
		configKeyStoreBackend:        "STORE_BACKEND",
		configKeyListenAddr:          "LISTEN_ADDR",
		configKeyAllowedOrigins:      "ALLOWED_ORIGINS",
		configKeySessionSigningKey:   "SESSION_SIGNING_KEY",
		configKeySessionIssuer:       "SESSION_ISSUER",
		configKeySessionCookieName:   "SESSION_COOKIE_NAME",
		configKeyAdminToken:          "ADMIN_TOKEN",
		configKeyStripeWebhookSecret: "STRIPE_WEBHOOK_SECRET",
		configKeyTrialCredits:        "TRIAL_CREDITS",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagsByKey := map[string]string{
		configKeyDatabaseURL:         flagDatabaseURL,
		configKeyStoreBackend:        flagStoreBackend,
		configKeyListenAddr:          flagListenAddr,
		configKeyAllowedOrigins:      flagAllowedOrigins,
		configKeySessionSigningKey:   flagSessionSigningKey,
		configKeySessionIssuer:       flagSessionIssuer,
		configKeySessionCookieName:   flagSessionCookieName,
		configKeyAdminToken:          flagAdminToken,
		configKeyStripeWebhookSecret: flagStripeWebhookSecret,
		configKeyTrialCredits:        flagTrialCredits,
	}
	for configKey, flagName := range flagsByKey {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	cfg.API = httpapi.Config{
		ListenAddr:          viper.GetString(configKeyListenAddr),
		AllowedOrigins:      httpapi.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		SessionSigningKey:   viper.GetString(configKeySessionSigningKey),
		SessionIssuer:       viper.GetString(configKeySessionIssuer),
		SessionCookieName:   viper.GetString(configKeySessionCookieName),
		AdminToken:          viper.GetString(configKeyAdminToken),
		StripeWebhookSecret: viper.GetString(configKeyStripeWebhookSecret),
		TrialCredits:        viper.GetInt64(configKeyTrialCredits),
	}
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	gormStore := gormstore.New(gormDB)
	if err := prepareSchema(ctx, gormStore); err != nil {
		return err
	}

	var store billing.Store = gormStore
	if cfg.StoreBackend == storeBackendPgx {
		if driver != "postgres" {
			return fmt.Errorf("pgx store requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		defer pool.Close()
		store = pgstore.New(pool)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	billingService, err := billing.NewService(
		store,
		billing.DefaultConfig(),
		clock,
		billing.WithOperationLogger(oplog.NewZapLogger(logger)),
	)
	if err != nil {
		return fmt.Errorf("billing service init: %w", err)
	}

	return httpapi.Run(ctx, cfg.API, billingService, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
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
	// Treat everything else as a direct sqlite path.
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

func prepareSchema(ctx context.Context, store *gormstore.Store) error {
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
