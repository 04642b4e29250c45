package store

import (
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrBypassed     = errors.New("store is in bypass mode")
	ErrLockTimeout  = errors.New("store lock wait exceeded")
	ErrNotReady     = errors.New("store not initialized")
)

// IsBusy reports whether err indicates an SQLite BUSY condition.
// Busy errors are transient and safe to retry with backoff.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// corruptionSignatures are error fragments treated as store corruption.
// A match routes the failure into the recovery ladder instead of a retry.
var corruptionSignatures = []string{
	"database disk image is malformed",
	"file is not a database",
	"file is encrypted or is not a database",
	"sql: database is closed",
	"invalid memory address or nil pointer",
	"unable to prepare",
	"SQLITE_CORRUPT",
	"SQLITE_NOTADB",
}

// IsCorruption reports whether err matches a known corruption signature.
// Busy errors that survived the retry budget also count: persistent lock
// failure on a single-writer store means the connection is wedged.
func IsCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sig := range corruptionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// isMissingTable reports whether err is SQLite's "no such table" error.
// Reads against a missing table lazily recreate the schema instead of failing.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
