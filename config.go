package tally

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/tally/internal/store"
)

// Config configures the tally client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Store.
	LocalPath string

	// Store is the tenant id all cached data and queue items belong to.
	// If empty, resolved using store resolution (explicit > TALLY_STORE env > "default").
	Store string

	// RemoteURL is the base URL of a PostgREST-compatible remote store.
	RemoteURL string

	// APIKey authenticates with the REST remote store.
	APIKey string

	// JWTSecret, when set, signs short-lived bearer tokens for the REST
	// remote store instead of sending APIKey as the bearer.
	JWTSecret string

	// PostgresDSN connects directly to the remote database instead of REST.
	PostgresDSN string

	// Remote injects a remote store, taking precedence over RemoteURL and
	// PostgresDSN. Used by tests and embedding applications.
	Remote RemoteStore

	// DeviceID and Creator are stamped on every offline create.
	// DeviceID defaults to the hostname.
	DeviceID string
	Creator  string

	// SyncInterval is how often to sync while online.
	// Defaults to 30 seconds.
	SyncInterval time.Duration

	// MaxRetries bounds automatic retries of a failed queue item.
	// Defaults to 5.
	MaxRetries int

	// RetainSynced is how long synced queue items are kept.
	// Defaults to 24 hours.
	RetainSynced time.Duration

	// AutoSync enables the background scheduler.
	AutoSync bool

	// Debug enables verbose logging of remote traffic.
	Debug bool

	// DebugLogPath is a rotating file for debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string

	// Logger receives structured logs. Defaults to a text handler on stderr.
	Logger *slog.Logger

	// OnCountsChanged is called whenever queue totals change.
	OnCountsChanged func(Counts)
}

// DefaultConfig returns a Config with sensible defaults.
// Store defaults to "default", and LocalPath is derived from Store.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Store:        "default",
		LocalPath:    store.StoreDBPath("default"),
		SyncInterval: DefaultSyncInterval,
		MaxRetries:   DefaultMaxRetries,
		RetainSynced: DefaultRetainSynced,
		AutoSync:     true,
		DeviceID:     hostname,
	}
}

// ConfigFromEnv reads configuration from environment variables.
// Unparseable numeric values are ignored.
//
//	TALLY_DB_PATH       → LocalPath
//	TALLY_STORE         → Store
//	TALLY_REMOTE_URL    → RemoteURL
//	TALLY_API_KEY       → APIKey
//	TALLY_JWT_SECRET    → JWTSecret
//	TALLY_POSTGRES_DSN  → PostgresDSN
//	TALLY_DEVICE_ID     → DeviceID
//	TALLY_CREATOR       → Creator
//	TALLY_SYNC_INTERVAL → SyncInterval (Go duration, e.g. "45s")
//	TALLY_MAX_RETRIES   → MaxRetries
//	TALLY_DEBUG         → Debug (any non-empty value enables)
//	TALLY_DEBUG_LOG     → DebugLogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:    os.Getenv("TALLY_DB_PATH"),
		Store:        os.Getenv(store.EnvStore),
		RemoteURL:    os.Getenv("TALLY_REMOTE_URL"),
		APIKey:       os.Getenv("TALLY_API_KEY"),
		JWTSecret:    os.Getenv("TALLY_JWT_SECRET"),
		PostgresDSN:  os.Getenv("TALLY_POSTGRES_DSN"),
		DeviceID:     os.Getenv("TALLY_DEVICE_ID"),
		Creator:      os.Getenv("TALLY_CREATOR"),
		Debug:        os.Getenv("TALLY_DEBUG") != "",
		DebugLogPath: os.Getenv("TALLY_DEBUG_LOG"),
	}
	if d, err := time.ParseDuration(os.Getenv("TALLY_SYNC_INTERVAL")); err == nil {
		cfg.SyncInterval = d
	}
	if n, err := strconv.Atoi(os.Getenv("TALLY_MAX_RETRIES")); err == nil {
		cfg.MaxRetries = n
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Store != "" {
		if err := store.ValidateStoreID(c.Store); err != nil {
			return &ValidationError{Field: "Store", Message: err.Error()}
		}
	}

	if c.RemoteURL != "" && c.APIKey == "" {
		return &ValidationError{Field: "APIKey", Message: "required when RemoteURL is set"}
	}

	if c.RemoteURL != "" && c.PostgresDSN != "" {
		return &ValidationError{Field: "PostgresDSN", Message: "cannot be combined with RemoteURL"}
	}

	if c.HasRemote() && c.Store != "" {
		if err := store.ValidateStoreIDForSync(c.Store); err != nil {
			return &ValidationError{Field: "Store", Message: err.Error()}
		}
	}

	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}

	if c.MaxRetries < 0 {
		return &ValidationError{Field: "MaxRetries", Message: "must be non-negative"}
	}

	if c.RetainSynced < 0 {
		return &ValidationError{Field: "RetainSynced", Message: "must be non-negative"}
	}

	return nil
}

// HasRemote reports whether any remote store is configured.
func (c *Config) HasRemote() bool {
	return c.Remote != nil || c.RemoteURL != "" || c.PostgresDSN != ""
}

// WithDefaults fills in default values for unset fields.
// Store resolution: explicit Store field > TALLY_STORE env > "default".
// LocalPath is derived from the resolved Store if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Store == "" {
		resolved, err := store.ResolveStore("")
		if err == nil {
			c.Store = resolved
		} else {
			c.Store = defaults.Store
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.StoreDBPath(c.Store)
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetainSynced == 0 {
		c.RetainSynced = defaults.RetainSynced
	}
	if c.DeviceID == "" {
		c.DeviceID = defaults.DeviceID
	}

	return c
}

// newLogger returns the default structured logger: text on stderr at warn,
// or debug when debug is set.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
