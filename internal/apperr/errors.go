// Package apperr holds the error taxonomy shared by the ingest, storage and
// reconciliation layers.
package apperr

import (
	"fmt"
	"time"
)

// ValidationError marks a single malformed input (event, schedule row, request).
// Batches skip and count these; they are never fatal.
type ValidationError struct {
	Index  int // position in the batch, -1 when unknown
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("validation: item=%d field=%s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: field=%s: %s", e.Field, e.Reason)
}

// IngestError is the final failure of one external API sub-range after retries.
type IngestError struct {
	EmployeeID string
	SiteCode   string
	From       time.Time
	To         time.Time
	Attempts   int
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest employee=%s site=%s win=%s..%s attempts=%d: %v",
		e.EmployeeID,
		e.SiteCode,
		e.From.Format("2006-01-02"),
		e.To.Format("2006-01-02"),
		e.Attempts,
		e.Err,
	)
}

func (e *IngestError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure. Fatal to the current operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError, or returns nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ReconciliationAnomaly describes an inconsistent swipe sequence for one day.
// The day is still reconciled on a best-effort basis and flagged.
type ReconciliationAnomaly struct {
	EmployeeID string
	Day        time.Time
	Reason     string
}

func (e *ReconciliationAnomaly) Error() string {
	return fmt.Sprintf("reconciliation anomaly employee=%s day=%s: %s",
		e.EmployeeID, e.Day.Format("2006-01-02"), e.Reason)
}
