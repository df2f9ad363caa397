// Package record persists measurement runs to an append-only log.
package record

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"netqual/internal/measure"
	logx "netqual/pkg/logx"
)

// StorageError reports that a record could not be persisted. The measurement
// itself is unaffected.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("record %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Table is a flattened view of recent records, in Header layout.
type Table struct {
	Header []string
	Rows   [][]string
}

// Store is an append-only measurement log.
type Store interface {
	measure.Recorder
	// Recent returns up to n of the newest records, oldest first.
	Recent(ctx context.Context, n int) (*Table, error)
	Path() string
	Close() error
}

// Config selects and configures a Store.
//
// Driver values:
//   - "csv": comma-separated file with a header row (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver  string
	Path    string
	Targets []string
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("record path is required")
	}
	switch driver {
	case "", "csv":
		return OpenCSV(cfg.Path, cfg.Targets, log), nil
	case "sqlite", "sqlite3":
		s, err := OpenSQLite(cfg.Path, cfg.Targets, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("unknown record driver: " + driver)
	}
}
