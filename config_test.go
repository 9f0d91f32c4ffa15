package tally_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/tally"
	"github.com/hyperengineering/tally/internal/remote"
)

func TestConfig_Validate_ValidLocalOnly(t *testing.T) {
	cfg := tally.Config{LocalPath: "/tmp/test.db"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid local-only config: %v", err)
	}
}

func TestConfig_Validate_ValidWithRemote(t *testing.T) {
	cfg := tally.Config{
		LocalPath: "/tmp/test.db",
		Store:     "acme/north",
		RemoteURL: "https://db.example.test",
		APIKey:    "anon-key",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() returned error for valid config with remote: %v", err)
	}
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   tally.Config
		field string
	}{
		{"missing local path", tally.Config{}, "LocalPath"},
		{"bad store", tally.Config{LocalPath: "x.db", Store: "Bad Store"}, "Store"},
		{"remote without key", tally.Config{LocalPath: "x.db", RemoteURL: "https://db.example.test"}, "APIKey"},
		{"two remotes", tally.Config{LocalPath: "x.db", RemoteURL: "https://db.example.test", APIKey: "k", PostgresDSN: "postgres://localhost/db"}, "PostgresDSN"},
		{"reserved store with remote", tally.Config{LocalPath: "x.db", Store: "_training", Remote: remote.NewMemory()}, "Store"},
		{"negative interval", tally.Config{LocalPath: "x.db", SyncInterval: -time.Second}, "SyncInterval"},
		{"negative retries", tally.Config{LocalPath: "x.db", MaxRetries: -1}, "MaxRetries"},
		{"negative retention", tally.Config{LocalPath: "x.db", RetainSynced: -time.Hour}, "RetainSynced"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("Validate() returned nil, want ValidationError")
			}
			var ve *tally.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() returned %T, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestConfig_Validate_TrainingStoreLocalOnly(t *testing.T) {
	cfg := tally.Config{LocalPath: "x.db", Store: "_training"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil for the training store without remote", err)
	}
}

func TestConfig_HasRemote(t *testing.T) {
	tests := []struct {
		name string
		cfg  tally.Config
		want bool
	}{
		{"none", tally.Config{}, false},
		{"url", tally.Config{RemoteURL: "https://db.example.test"}, true},
		{"dsn", tally.Config{PostgresDSN: "postgres://localhost/db"}, true},
		{"injected", tally.Config{Remote: remote.NewMemory()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.HasRemote(); got != tt.want {
				t.Errorf("HasRemote() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Setenv("TALLY_STORE", "")

	cfg := tally.Config{}.WithDefaults()

	if cfg.Store != "default" {
		t.Errorf("Store = %q, want %q", cfg.Store, "default")
	}
	if !strings.HasSuffix(cfg.LocalPath, "tally.db") {
		t.Errorf("LocalPath = %q, want a tally.db path", cfg.LocalPath)
	}
	if cfg.SyncInterval != tally.DefaultSyncInterval {
		t.Errorf("SyncInterval = %v, want %v", cfg.SyncInterval, tally.DefaultSyncInterval)
	}
	if cfg.MaxRetries != tally.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, tally.DefaultMaxRetries)
	}
	if cfg.RetainSynced != tally.DefaultRetainSynced {
		t.Errorf("RetainSynced = %v, want %v", cfg.RetainSynced, tally.DefaultRetainSynced)
	}
}

func TestConfig_WithDefaults_KeepsExplicitValues(t *testing.T) {
	cfg := tally.Config{
		LocalPath:    "/data/till.db",
		Store:        "acme",
		SyncInterval: 5 * time.Second,
		MaxRetries:   2,
		DeviceID:     "till-9",
	}.WithDefaults()

	if cfg.LocalPath != "/data/till.db" || cfg.Store != "acme" {
		t.Errorf("path/store = %q/%q, want explicit values", cfg.LocalPath, cfg.Store)
	}
	if cfg.SyncInterval != 5*time.Second || cfg.MaxRetries != 2 || cfg.DeviceID != "till-9" {
		t.Errorf("got interval=%v retries=%d device=%q, want explicit values", cfg.SyncInterval, cfg.MaxRetries, cfg.DeviceID)
	}
}

func TestConfig_WithDefaults_StoreFromEnv(t *testing.T) {
	t.Setenv("TALLY_STORE", "corner-shop")

	cfg := tally.Config{}.WithDefaults()
	if cfg.Store != "corner-shop" {
		t.Errorf("Store = %q, want corner-shop", cfg.Store)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TALLY_DB_PATH", "/tmp/till.db")
	t.Setenv("TALLY_STORE", "acme")
	t.Setenv("TALLY_REMOTE_URL", "https://db.example.test")
	t.Setenv("TALLY_API_KEY", "anon-key")
	t.Setenv("TALLY_JWT_SECRET", "s3cret")
	t.Setenv("TALLY_POSTGRES_DSN", "")
	t.Setenv("TALLY_DEVICE_ID", "till-2")
	t.Setenv("TALLY_CREATOR", "ada@acme.test")
	t.Setenv("TALLY_SYNC_INTERVAL", "45s")
	t.Setenv("TALLY_MAX_RETRIES", "7")
	t.Setenv("TALLY_DEBUG", "1")
	t.Setenv("TALLY_DEBUG_LOG", "/tmp/tally-debug.log")

	cfg := tally.ConfigFromEnv()

	checks := []struct {
		name, got, want string
	}{
		{"LocalPath", cfg.LocalPath, "/tmp/till.db"},
		{"Store", cfg.Store, "acme"},
		{"RemoteURL", cfg.RemoteURL, "https://db.example.test"},
		{"APIKey", cfg.APIKey, "anon-key"},
		{"JWTSecret", cfg.JWTSecret, "s3cret"},
		{"DeviceID", cfg.DeviceID, "till-2"},
		{"Creator", cfg.Creator, "ada@acme.test"},
		{"DebugLogPath", cfg.DebugLogPath, "/tmp/tally-debug.log"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Errorf("SyncInterval = %v, want 45s", cfg.SyncInterval)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestConfigFromEnv_IgnoresBadNumbers(t *testing.T) {
	t.Setenv("TALLY_SYNC_INTERVAL", "soon")
	t.Setenv("TALLY_MAX_RETRIES", "many")

	cfg := tally.ConfigFromEnv()
	if cfg.SyncInterval != 0 || cfg.MaxRetries != 0 {
		t.Errorf("got interval=%v retries=%d, want zero values", cfg.SyncInterval, cfg.MaxRetries)
	}
}
