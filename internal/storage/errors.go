package storage

import "fmt"

// The sync engine never partially commits a merge, and it does not swallow
// storage errors: callers get one of the typed errors below (checked with
// errors.As) and decide whether to retry. Connectivity problems are retryable
// by the caller; schema, key-configuration and cast defects are not.

// ConnectivityError marks the store as unreachable for this call.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("storage unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// SchemaError marks a rejected DDL statement. Requires operator attention;
// retrying the same statement will not help.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema change rejected for %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// MissingKeyColumnError reports a caller configuration defect: a merge key
// that is absent from the batch even after normalization.
type MissingKeyColumnError struct {
	Key string
}

func (e *MissingKeyColumnError) Error() string {
	return fmt.Sprintf("key column %q not found in batch", e.Key)
}

// CastError reports a batch value that cannot be coerced to its resolved
// storage type. The offending batch is never partially applied.
type CastError struct {
	Table string
	Err   error
}

func (e *CastError) Error() string {
	return fmt.Sprintf("cast failure merging into %s: %v", e.Table, e.Err)
}

func (e *CastError) Unwrap() error { return e.Err }

// SafetyAbortError reports a tripped cleanup guard: the orphan set was large
// enough, and the key overlap small enough, that the key column is probably
// mismatched between systems. Zero rows were deleted. Callers should treat it
// as success-with-warning but surface it loudly.
type SafetyAbortError struct {
	Table    string
	Existing int
	Orphans  int
	Common   int
}

func (e *SafetyAbortError) Error() string {
	return fmt.Sprintf(
		"cleanup aborted for %s: %d of %d existing keys would be orphaned with only %d common keys; likely key column mismatch",
		e.Table, e.Orphans, e.Existing, e.Common,
	)
}
