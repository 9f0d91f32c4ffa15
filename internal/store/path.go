package store

import (
	"os"
	"path/filepath"
)

const (
	// DBFileName is the name of each store's SQLite file.
	DBFileName = "tally.db"

	// EnvHome overrides the data root.
	EnvHome = "TALLY_HOME"
)

// Root returns the data root: $TALLY_HOME, else ~/.tally, else ./.tally.
func Root() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".tally")
	}
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ".tally")
}

// Dir returns the directory name for the store. A branch is joined to its
// merchant with "__" so every store is one directory deep.
func (id ID) Dir() string {
	if id.Branch == "" {
		return id.Merchant
	}
	return id.Merchant + "__" + id.Branch
}

// StoreDBPath returns the database file of a store under Root.
// An unparseable ID is used verbatim as the directory name.
//
//	StoreDBPath("acme/north") -> ~/.tally/stores/acme__north/tally.db
func StoreDBPath(storeID string) string {
	dir := storeID
	if id, err := Parse(storeID); err == nil {
		dir = id.Dir()
	}
	return filepath.Join(Root(), "stores", dir, DBFileName)
}
