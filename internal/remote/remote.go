// Package remote defines the authoritative remote document store the
// reconciler pushes local changes to.
//
// Documents are versioned. Put is conditional: it succeeds only if the
// stored version equals the expected one (0 meaning "must not exist"), and
// returns ErrPreconditionFailed otherwise. Each accepted write records the
// id of the mutation that produced it, so a redelivered mutation can be
// recognised after its acknowledgement was lost.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
)

var (
	// ErrNotFound is returned by Get for a document that does not exist.
	ErrNotFound = errors.New("remote document not found")

	// ErrPreconditionFailed is returned by Put when the stored version is
	// not the expected one.
	ErrPreconditionFailed = errors.New("remote precondition failed")

	// ErrUnavailable is the transient error of an unreachable store.
	ErrUnavailable = errors.New("remote store unavailable")
)

// Document is one versioned entity in the remote store.
type Document struct {
	EntityType domain.EntityType
	EntityID   string
	Version    int64

	// UpdatedAt is when the store accepted this version. EditedAt is when
	// the writing device made the change, zero when the writer did not say.
	// Merges order edits by EditedAt.
	UpdatedAt time.Time
	EditedAt  time.Time

	// MutationID is the local mutation that wrote this version.
	MutationID string

	Fields canon.Object
}

// EditTime returns when the change held by d was made, falling back to the
// store's acceptance time for writers that did not record it.
func (d Document) EditTime() time.Time {
	if d.EditedAt.IsZero() {
		return d.UpdatedAt
	}
	return d.EditedAt
}

// Store is the remote document store.
type Store interface {
	Get(ctx context.Context, entityType domain.EntityType, entityID string) (Document, error)

	// Put writes doc if the stored version equals expectedVersion and
	// returns the stored document with its new version.
	Put(ctx context.Context, doc Document, expectedVersion int64) (Document, error)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying. Context deadlines
// count as transient; cancellation does not.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Transfer decodes a transfer document.
func (d Document) Transfer() (domain.TransferRecord, error) {
	if d.EntityType != domain.EntityTransfer {
		return domain.TransferRecord{}, fmt.Errorf("document %s/%s is not a transfer", d.EntityType, d.EntityID)
	}
	return domain.TransferFromObject(d.Fields)
}

// Asset decodes an asset document.
func (d Document) Asset() (domain.Asset, error) {
	if d.EntityType != domain.EntityAsset {
		return domain.Asset{}, fmt.Errorf("document %s/%s is not an asset", d.EntityType, d.EntityID)
	}
	return domain.AssetFromObject(d.Fields)
}

// Evidence decodes an evidence document.
func (d Document) Evidence() (domain.Evidence, error) {
	if d.EntityType != domain.EntityEvidence {
		return domain.Evidence{}, fmt.Errorf("document %s/%s is not evidence", d.EntityType, d.EntityID)
	}
	return domain.EvidenceFromObject(d.Fields)
}
