package store

import (
	"context"
	"fmt"

	"github.com/roach88/herdtrail/internal/domain"
)

// SyncState is the last state of an entity agreed with the remote store.
type SyncState struct {
	EntityType    domain.EntityType
	EntityID      string
	RemoteVersion int64
	Base          string
}

// GetSyncState returns the agreed state or ErrNotFound for entities never
// acknowledged by the remote store.
func (q *Queries) GetSyncState(ctx context.Context, entityType domain.EntityType, entityID string) (SyncState, error) {
	st := SyncState{EntityType: entityType, EntityID: entityID}
	err := q.queryRow(ctx, `
		SELECT remote_version, base FROM sync_state WHERE entity_type = ? AND entity_id = ?
	`, string(entityType), entityID).Scan(&st.RemoteVersion, &st.Base)
	if err != nil {
		return SyncState{}, fmt.Errorf("sync state %s/%s: %w", entityType, entityID, scanErr(err))
	}
	return st, nil
}

// PutSyncState records a newly agreed state. Versions never move backwards.
func (q *Queries) PutSyncState(ctx context.Context, st SyncState) error {
	_, err := q.exec(ctx, `
		INSERT INTO sync_state (entity_type, entity_id, remote_version, base)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			remote_version = excluded.remote_version,
			base = excluded.base
		WHERE excluded.remote_version >= sync_state.remote_version
	`, string(st.EntityType), st.EntityID, st.RemoteVersion, st.Base)
	if err != nil {
		return fmt.Errorf("put sync state %s/%s: %w", st.EntityType, st.EntityID, err)
	}
	return nil
}
