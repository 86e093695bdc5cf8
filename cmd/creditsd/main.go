package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/nper79/clothing-sub001/internal/creditsapi"
	"github.com/nper79/clothing-sub001/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr           = "listen-addr"
	flagDatabaseURL          = "database-url"
	flagStoreBackend         = "store-backend"
	flagStartingBalance      = "starting-balance"
	flagPersonalizedLookCost = "personalized-look-cost"
	flagRemixCost            = "remix-cost"
	flagCatalogFile          = "catalog-file"
	flagAllowedOrigins       = "allowed-origins"
	flagStoreTimeout         = "store-timeout"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagRedisAddr            = "redis-addr"
	flagKafkaBrokers         = "kafka-brokers"
	flagKafkaTopic           = "kafka-topic"
	envPrefix                = "CREDITS"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"
)

type runtimeConfig struct {
	API          creditsapi.Config
	DatabaseURL  string
	StoreBackend string
	Pricing      ledger.Pricing
	CatalogFile  string
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credits ledger HTTP API for the clothing app",
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
	registerFlags(cmd)
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the credit schema to the configured database",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd)
	return cmd
}

func registerFlags(cmd *cobra.Command) {
	pricing := ledger.DefaultPricing()
	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, "", "postgres:// url or sqlite path; empty keeps balances in memory")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "database access layer: gorm or pgx")
	cmd.Flags().Int64(flagStartingBalance, pricing.StartingBalance.Int64(), "credits granted to a new account")
	cmd.Flags().Int64(flagPersonalizedLookCost, pricing.PersonalizedLookCost.Int64(), "credits charged per personalized look")
	cmd.Flags().Int64(flagRemixCost, pricing.RemixCost.Int64(), "credits charged per remix")
	cmd.Flags().String(flagCatalogFile, "", "YAML file with the credit pack catalog; empty uses the built-in packs")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Duration(flagStoreTimeout, 3*time.Second, "per-request store timeout")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for the distributed per-user lock")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-separated Kafka brokers for transaction events")
	cmd.Flags().String(flagKafkaTopic, "credit-transactions", "Kafka topic for transaction events")
}

var configFlags = []string{
	flagListenAddr,
	flagDatabaseURL,
	flagStoreBackend,
	flagStartingBalance,
	flagPersonalizedLookCost,
	flagRemixCost,
	flagCatalogFile,
	flagAllowedOrigins,
	flagStoreTimeout,
	flagJWTSigningKey,
	flagJWTIssuer,
	flagJWTCookieName,
	flagRedisAddr,
	flagKafkaBrokers,
	flagKafkaTopic,
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreBackend)))
	switch cfg.StoreBackend {
	case "":
		cfg.StoreBackend = storeBackendGorm
	case storeBackendGorm, storeBackendPgx:
	default:
		return fmt.Errorf("%s must be %q or %q", flagStoreBackend, storeBackendGorm, storeBackendPgx)
	}
	cfg.Pricing = ledger.Pricing{
		StartingBalance:      ledger.Credits(v.GetInt64(flagStartingBalance)),
		PersonalizedLookCost: ledger.Credits(v.GetInt64(flagPersonalizedLookCost)),
		RemixCost:            ledger.Credits(v.GetInt64(flagRemixCost)),
	}
	if err := cfg.Pricing.Validate(); err != nil {
		return err
	}
	cfg.CatalogFile = strings.TrimSpace(v.GetString(flagCatalogFile))
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.KafkaBrokers = splitList(v.GetString(flagKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(v.GetString(flagKafkaTopic))

	cfg.API = creditsapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    creditsapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		StoreTimeout:      v.GetDuration(flagStoreTimeout),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
	}
	if cmd.Name() == "migrate" {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("%s is required", flagDatabaseURL)
		}
		return nil
	}
	return cfg.API.Validate()
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}
