package types

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is returned by the grid calculator for bad bounds or
// a level count below 2. Fatal at initialization, never retried.
var ErrInvalidRange = errors.New("invalid grid range")

// ErrDuplicatePending is returned by the ledger when a pending order
// already exists for the same (level, side) pair.
var ErrDuplicatePending = errors.New("duplicate pending order for grid level")

// CredentialError means the account has missing or invalid API keys.
// Fatal: the bot is marked with error status and not retried.
type CredentialError struct {
	UserID string
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials for user %s: %v", e.UserID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransientVenueError wraps network, timeout and rate-limit failures
// from the venue. The operation is retried on the next tick and never
// escalated automatically.
type TransientVenueError struct {
	Op  string
	Err error
}

func (e *TransientVenueError) Error() string {
	return fmt.Sprintf("transient venue error during %s: %v", e.Op, e.Err)
}

func (e *TransientVenueError) Unwrap() error { return e.Err }

// VenueRejectionError means the venue refused an order outright
// (invalid quantity, filter violation). The single placement is
// abandoned; the ladder continues.
type VenueRejectionError struct {
	Op  string
	Err error
}

func (e *VenueRejectionError) Error() string {
	return fmt.Sprintf("venue rejected %s: %v", e.Op, e.Err)
}

func (e *VenueRejectionError) Unwrap() error { return e.Err }

// PersistenceError wraps a ledger or bot-store write failure. Callers
// must retry or abort the tick without assuming the write committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried on the next tick.
func IsTransient(err error) bool {
	var te *TransientVenueError
	return errors.As(err, &te)
}

// IsRejection reports whether the venue rejected the request outright.
func IsRejection(err error) bool {
	var re *VenueRejectionError
	return errors.As(err, &re)
}
