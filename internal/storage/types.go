package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// SkippedRulesError is returned together with the decodable rules of a list
// query when some stored rows no longer pass validation.
type SkippedRulesError struct {
	IDs  []string
	Errs []error
}

func (e *SkippedRulesError) Error() string {
	return fmt.Sprintf("skipped %d undecodable rule(s): %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *SkippedRulesError) Unwrap() []error { return e.Errs }

func (e *SkippedRulesError) add(id string, err error) {
	e.IDs = append(e.IDs, id)
	e.Errs = append(e.Errs, err)
}

// Skipped returns the ids of undecodable rules carried by err, if any.
func Skipped(err error) ([]string, bool) {
	var se *SkippedRulesError
	if errors.As(err, &se) {
		return se.IDs, true
	}
	return nil, false
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": in-process maps, lost on restart (tests and dry runs)
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres pool size; 0 means pgx default
}

// DeliveryStats summarizes the audit trail of one rule.
type DeliveryStats struct {
	Sent    int
	Skipped int
	Errors  int
	Last    time.Time
}

// QuoteCounts summarizes the quote pool.
type QuoteCounts struct {
	Total  int
	Active int
}
