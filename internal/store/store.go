// Package store implements TrafficStore (spec.md §4.3): durable storage of
// captured Exchanges, query/filter support, and retention sweeping. The
// backing driver follows the teacher's storage package shape (a narrow
// Store interface with a single sqlite-backed implementation).
package store

import (
	"errors"

	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/pkg/exchange"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ErrNotFound is returned by GetByID when no Exchange has the given id.
var ErrNotFound = errors.New("exchange not found")

// Store is the persistence contract TrafficStore exposes to the rest of
// captap: the proxy engine writes through it, the bridge reads through
// it.
type Store interface {
	// InsertOpen records the request half of a new Exchange and returns
	// its assigned monotonic id (spec.md §4.3 insert_open).
	InsertOpen(fields exchange.OpenFields) (int64, error)

	// Complete writes the response half (or failure outcome) of a
	// previously opened Exchange (spec.md §4.3 complete).
	Complete(id int64, fields exchange.CompletionFields) error

	// GetByID returns the Exchange with the given id, or ErrNotFound.
	GetByID(id int64) (*exchange.Exchange, error)

	// Query returns Exchanges matching pred, newest first, plus the total
	// count of matching rows ignoring Limit/Offset.
	Query(pred exchange.FilterPredicate) ([]*exchange.Exchange, int, error)

	// Count returns the total number of stored Exchanges.
	Count() (int, error)

	// DistinctHosts, DistinctMethods and DistinctContentTypes return the
	// values a filter UI would offer, derived from what's actually stored.
	DistinctHosts() ([]string, error)
	DistinctMethods() ([]string, error)
	DistinctContentTypes() ([]string, error)

	// Delete removes a single Exchange by id.
	Delete(id int64) error

	// ClearAll removes every stored Exchange.
	ClearAll() error

	// SweepOlderThan removes Exchanges older than cutoffMs and reports how
	// many rows were removed (spec.md §4.3 retention sweep).
	SweepOlderThan(cutoffMs int64) (int, error)

	// GetSetting/SetSetting persist the small key/value settings table
	// described in spec.md §3 (Settings).
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error

	Close() error
}

// New instantiates a Store based on configuration, mirroring the teacher's
// driver-switch factory.
func New(cfg config.StorageConfig, log logger.Logger) (Store, error) {
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}
