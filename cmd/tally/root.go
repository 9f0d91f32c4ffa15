package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
	"github.com/hyperengineering/tally/internal/store"
)

var (
	cfgFile        string
	cfgStore       string
	cfgDBPath      string
	cfgRemoteURL   string
	cfgAPIKey      string
	cfgJWTSecret   string
	cfgPostgresDSN string
	cfgRemote      string
	cfgDebug       bool
	outputJSON     bool
	noColor        bool
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally - offline-first till sync CLI",
	Long: `Tally records sales, debts and stock changes on the till while offline
and pushes them to the shop's remote store once connectivity returns.

Every change is cached locally and queued. Sync passes send the queue in
order, parents before children, and never create a record twice.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: $TALLY_HOME/config.yaml or ~/.tally/config.yaml)")
	flags.StringVarP(&cfgStore, "store", "s", "", "Store (tenant) id (default: $TALLY_STORE or 'default')")
	flags.StringVar(&cfgDBPath, "db-path", "", "Path to local database (default: ~/.tally/stores/<store>/tally.db)")
	flags.StringVar(&cfgRemoteURL, "remote-url", "", "Base URL of the PostgREST remote store")
	flags.StringVar(&cfgAPIKey, "api-key", "", "API key for the remote store")
	flags.StringVar(&cfgJWTSecret, "jwt-secret", "", "Secret used to sign remote bearer tokens")
	flags.StringVar(&cfgPostgresDSN, "postgres-dsn", "", "Connect to the remote database directly")
	flags.StringVar(&cfgRemote, "remote", "", "Remote kind override: 'memory' for an in-process demo store")
	flags.BoolVar(&cfgDebug, "debug", false, "Log remote traffic")
	flags.BoolVar(&outputJSON, "json", false, "Output as JSON")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(saleCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(runCmd)
}

// configKeys maps viper keys to persistent flags. Environment variables are
// the upper-cased key with a TALLY_ prefix.
var configKeys = map[string]string{
	"store":        "store",
	"db_path":      "db-path",
	"remote_url":   "remote-url",
	"api_key":      "api-key",
	"jwt_secret":   "jwt-secret",
	"postgres_dsn": "postgres-dsn",
	"remote":       "remote",
	"debug":        "debug",
}

// secrets holds credentials of the last loaded config for output scrubbing.
var secrets []string

// newViper layers flags over TALLY_* environment variables over the config
// file over defaults.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("sync_interval", tally.DefaultSyncInterval)
	v.SetDefault("max_retries", tally.DefaultMaxRetries)
	v.SetDefault("retain_synced", tally.DefaultRetainSynced)
	v.SetDefault("paused", false)

	for key, flag := range configKeys {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(store.Root())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// configFrom builds a client config from layered settings. The background
// scheduler stays off; the run command turns it on.
func configFrom(v *viper.Viper) (tally.Config, error) {
	cfg := tally.Config{
		LocalPath:    v.GetString("db_path"),
		Store:        v.GetString("store"),
		RemoteURL:    v.GetString("remote_url"),
		APIKey:       v.GetString("api_key"),
		JWTSecret:    v.GetString("jwt_secret"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		DeviceID:     v.GetString("device_id"),
		Creator:      v.GetString("creator"),
		SyncInterval: v.GetDuration("sync_interval"),
		MaxRetries:   v.GetInt("max_retries"),
		RetainSynced: v.GetDuration("retain_synced"),
		Debug:        v.GetBool("debug"),
		DebugLogPath: v.GetString("debug_log"),
	}

	switch kind := v.GetString("remote"); kind {
	case "":
	case "memory":
		cfg.Remote = remote.NewMemory()
	default:
		return cfg, fmt.Errorf("unknown remote %q (supported: memory)", kind)
	}

	secrets = secrets[:0]
	for _, s := range []string{cfg.APIKey, cfg.JWTSecret, dsnPassword(cfg.PostgresDSN)} {
		if s != "" {
			secrets = append(secrets, s)
		}
	}
	return cfg, nil
}

// loadAndValidateConfig loads layered settings and validates the result.
func loadAndValidateConfig() (tally.Config, error) {
	v, err := newViper()
	if err != nil {
		return tally.Config{}, err
	}
	cfg, err := configFrom(v)
	if err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validateConfig checks the config and names the flag and variable that fix
// an invalid field.
func validateConfig(cfg tally.Config) error {
	withDefaults := cfg.WithDefaults()
	err := withDefaults.Validate()
	var ve *tally.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	hint := map[string]string{
		"LocalPath":   "--db-path or TALLY_DB_PATH",
		"Store":       "--store or TALLY_STORE",
		"APIKey":      "--api-key or TALLY_API_KEY",
		"PostgresDSN": "only one of --remote-url and --postgres-dsn",
	}[ve.Field]
	if hint == "" {
		return err
	}
	return fmt.Errorf("%w\n\nSet %s", err, hint)
}

// openClient loads the config and opens a client for one command.
func openClient() (*tally.Client, error) {
	cfg, err := loadAndValidateConfig()
	if err != nil {
		return nil, err
	}
	client, err := tally.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, nil
}

// dsnPassword extracts the password of a postgres DSN in URL or key=value form.
func dsnPassword(dsn string) string {
	if dsn == "" {
		return ""
	}
	pc, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return ""
	}
	return pc.Password
}
