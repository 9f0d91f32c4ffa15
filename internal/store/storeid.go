// Package store names tenant stores and locates their local databases.
//
// A store ID is "<merchant>" or "<merchant>/<branch>". Each segment is
// lowercase alphanumeric with single hyphens, at most 64 characters. The
// training store is a till practice area: it opens locally like any other
// store but is never pushed to a remote.
package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TrainingStore is the store ID used for practice sales.
const TrainingStore = "_training"

var (
	// ErrInvalidStoreID indicates the store ID format is invalid.
	ErrInvalidStoreID = errors.New("invalid store ID: want <merchant>[/<branch>] in lowercase letters, digits and hyphens")

	// ErrTrainingStore indicates a sync was configured for the training store.
	ErrTrainingStore = errors.New("training store cannot sync to a remote")
)

var segmentRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ID is a parsed store ID.
type ID struct {
	Merchant string
	Branch   string
}

// Parse splits and validates a store ID.
func Parse(s string) (ID, error) {
	if s == TrainingStore {
		return ID{Merchant: TrainingStore}, nil
	}
	merchant, branch, hasBranch := strings.Cut(s, "/")
	if err := checkSegment(merchant); err != nil {
		return ID{}, err
	}
	if hasBranch {
		if err := checkSegment(branch); err != nil {
			return ID{}, err
		}
	}
	return ID{Merchant: merchant, Branch: branch}, nil
}

func checkSegment(seg string) error {
	if !segmentRegex.MatchString(seg) || strings.Contains(seg, "--") {
		return fmt.Errorf("%w: bad segment %q", ErrInvalidStoreID, seg)
	}
	return nil
}

// String returns the canonical form of the ID.
func (id ID) String() string {
	if id.Branch == "" {
		return id.Merchant
	}
	return id.Merchant + "/" + id.Branch
}

// IsTraining reports whether id is the training store.
func (id ID) IsTraining() bool { return id.Merchant == TrainingStore }

// ValidateStoreID checks the format of a store ID. The training store is valid.
func ValidateStoreID(s string) error {
	_, err := Parse(s)
	return err
}

// ValidateStoreIDForSync checks a store ID that will be written to a remote.
func ValidateStoreIDForSync(s string) error {
	id, err := Parse(s)
	if err != nil {
		return err
	}
	if id.IsTraining() {
		return ErrTrainingStore
	}
	return nil
}
