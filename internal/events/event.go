// Package events is the notification boundary of the core. State changes,
// terminal outcomes and sync failures are published to a Hub; the UI layer
// subscribes to it and optional Sinks (such as the Kafka sink) forward
// events off-device.
//
// Publishing never blocks the caller: subscribers that fall behind lose
// events (counted in Dropped), and sinks are fed from an unbounded queue
// drained by Run.
package events

import (
	"time"

	"github.com/roach88/herdtrail/internal/domain"
)

// Kind distinguishes event streams.
type Kind string

const (
	// KindStateChanged is emitted on every transfer transition.
	KindStateChanged Kind = "transfer.state_changed"

	// KindTerminal is emitted when a transfer reaches an outcome a party
	// must be told about: COMPLETED, CANCELLED, DISPUTED, EXPIRED, REJECTED.
	KindTerminal Kind = "transfer.terminal"

	// KindSyncFailure is emitted once per dead-lettered mutation.
	KindSyncFailure Kind = "sync.failure"

	// KindSyncConflict is emitted when a local transfer loses a hard
	// conflict against the remote store.
	KindSyncConflict Kind = "sync.conflict"
)

// Event is one notification.
type Event struct {
	Kind       Kind          `json:"kind"`
	At         time.Time     `json:"at"`
	TransferID string        `json:"transfer_id,omitempty"`
	AssetID    string        `json:"asset_id,omitempty"`
	From       domain.Status `json:"from,omitempty"`
	To         domain.Status `json:"to,omitempty"`
	ActorID    string        `json:"actor_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`

	// Parties lists who should be notified.
	Parties []string `json:"parties,omitempty"`

	Failure *domain.SyncFailure `json:"failure,omitempty"`
}

// Key is the partitioning key for off-device sinks: events of one transfer
// (or one failed entity) stay ordered.
func (e Event) Key() string {
	if e.TransferID != "" {
		return e.TransferID
	}
	if e.Failure != nil {
		return string(e.Failure.EntityType) + "/" + e.Failure.EntityID
	}
	return e.AssetID
}

// TransitionEvents builds the events for one transfer transition: always a
// state change, plus a terminal notification when the new status calls
// for one.
func TransitionEvents(rec domain.TransferRecord, from domain.Status, actorID string, at time.Time) []Event {
	base := Event{
		At:         at,
		TransferID: rec.ID,
		AssetID:    rec.AssetID,
		From:       from,
		To:         rec.Status,
		ActorID:    actorID,
		Reason:     rec.Reason,
		Parties:    []string{rec.FromOwnerID, rec.ToOwnerID},
	}
	changed := base
	changed.Kind = KindStateChanged
	out := []Event{changed}
	if rec.Status.Notifiable() {
		terminal := base
		terminal.Kind = KindTerminal
		out = append(out, terminal)
	}
	return out
}
