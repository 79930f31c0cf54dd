package domain

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors surfaced by the core.
// Callers branch on the code (or errors.As), never on message text.
type ErrorCode string

const (
	CodeConflict     ErrorCode = "CONFLICT"
	CodeInvalidState ErrorCode = "INVALID_STATE"
	CodeSignature    ErrorCode = "SIGNATURE"
	CodeSyncFailure  ErrorCode = "SYNC_FAILURE"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeHalted       ErrorCode = "HALTED"
)

// ErrHalted is returned by every transfer operation after a fatal condition
// (store corruption, signing key unavailable) until the operator resumes.
var ErrHalted = errors.New("transfer operations halted")

// ErrKeyUnavailable means the device signing key could not be loaded from
// the secret store. It is fatal for the transfer machine.
var ErrKeyUnavailable = errors.New("device signing key unavailable")

// ConflictError reports a violation of the single-active-transfer invariant.
type ConflictError struct {
	AssetID          string
	ActiveTransferID string
}

func (e *ConflictError) Error() string {
	if e.ActiveTransferID != "" {
		return fmt.Sprintf("%s: asset %s already has active transfer %s", CodeConflict, e.AssetID, e.ActiveTransferID)
	}
	return fmt.Sprintf("%s: asset %s already has an active transfer", CodeConflict, e.AssetID)
}

// InvalidStateError reports a transition that is not legal from the
// record's current status.
type InvalidStateError struct {
	TransferID string
	From       Status
	To         Status
	Reason     string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("%s: transfer %s cannot move from %s to %s", CodeInvalidState, e.TransferID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// SignatureError reports a missing or invalid signature.
type SignatureError struct {
	EntityID string
	KeyID    string
	Reason   string
}

func (e *SignatureError) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("%s: %s (entity=%s, key=%s)", CodeSignature, e.Reason, e.EntityID, e.KeyID)
	}
	return fmt.Sprintf("%s: %s (entity=%s)", CodeSignature, e.Reason, e.EntityID)
}

// SyncFailure reports a mutation that exhausted its retries against the
// remote store and now sits in the dead-letter set.
type SyncFailure struct {
	MutationID string
	EntityType EntityType
	EntityID   string
	Attempts   int
	LastError  string
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("%s: mutation %s for %s/%s failed after %d attempts: %s",
		CodeSyncFailure, e.MutationID, e.EntityType, e.EntityID, e.Attempts, e.LastError)
}

// NotFoundError reports a referenced record that does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s", CodeNotFound, e.Kind, e.ID)
}

// IsConflict returns true if err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsInvalidState returns true if err wraps an InvalidStateError.
func IsInvalidState(err error) bool {
	var ie *InvalidStateError
	return errors.As(err, &ie)
}

// IsSignature returns true if err wraps a SignatureError.
func IsSignature(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}

// IsNotFound returns true if err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsSyncFailure returns true if err wraps a SyncFailure.
func IsSyncFailure(err error) bool {
	var sf *SyncFailure
	return errors.As(err, &sf)
}

// CodeOf returns the error code of err, or "" for errors outside the
// taxonomy.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHalted), errors.Is(err, ErrKeyUnavailable):
		return CodeHalted
	case IsConflict(err):
		return CodeConflict
	case IsInvalidState(err):
		return CodeInvalidState
	case IsSignature(err):
		return CodeSignature
	case IsNotFound(err):
		return CodeNotFound
	case IsSyncFailure(err):
		return CodeSyncFailure
	}
	return ""
}
