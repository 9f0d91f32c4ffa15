package store

import (
	"fmt"
	"os"
)

// EnvStore is the environment variable consulted when no store is given.
const EnvStore = "TALLY_STORE"

// DefaultStore is used when neither an explicit store nor TALLY_STORE is set.
const DefaultStore = "default"

// ResolveStore picks the store ID: explicit, then TALLY_STORE, then "default".
// The first non-empty candidate must be valid; later ones are not consulted.
func ResolveStore(explicit string) (string, error) {
	candidates := []struct{ source, value string }{
		{"store ID", explicit},
		{EnvStore, os.Getenv(EnvStore)},
	}
	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		id, err := Parse(c.value)
		if err != nil {
			return "", fmt.Errorf("invalid %s %q: %w", c.source, c.value, err)
		}
		return id.String(), nil
	}
	return DefaultStore, nil
}
