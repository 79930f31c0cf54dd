package domain

import "time"

// EntityType addresses a table locally and a collection remotely.
type EntityType string

const (
	EntityAsset    EntityType = "asset"
	EntityTransfer EntityType = "transfer"
	EntityEvidence EntityType = "evidence"
)

// Action is the kind of change recorded in the change log.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Origin says where a change came from.
type Origin string

const (
	OriginLocal  Origin = "LOCAL"
	OriginRemote Origin = "REMOTE"
)

// ChangeLogEntry is an immutable audit record of one mutation.
// Before and After hold canonical JSON ("" when absent).
type ChangeLogEntry struct {
	Seq        int64
	EntityType EntityType
	EntityID   string
	Action     Action
	Before     string
	After      string
	ActorID    string
	Timestamp  time.Time
	Origin     Origin

	// Verified is false for values that were recorded for audit but not
	// applied, such as the losing side of a merge.
	Verified bool
}

// PendingMutation is a local change not yet acknowledged by the remote store.
type PendingMutation struct {
	ID         string
	Seq        int64
	EntityType EntityType
	EntityID   string
	Action     Action

	// Payload is the canonical JSON of the entity after the change.
	Payload string

	// Base is the canonical JSON of the entity as last agreed with the
	// remote store ("" for a create). Field merges diff against it.
	Base string

	// BaseVersion is the remote document version the change was made
	// against; 0 means the document must not exist yet.
	BaseVersion int64

	CreatedAt      time.Time
	RetryCount     int
	LastError      string
	NextAttemptAt  time.Time
	DeadLetteredAt time.Time
}

// DeadLettered reports whether the mutation exhausted its retries.
func (m PendingMutation) DeadLettered() bool {
	return !m.DeadLetteredAt.IsZero()
}
