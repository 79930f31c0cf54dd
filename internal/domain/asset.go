package domain

import (
	"fmt"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
)

// Asset is the physical unit whose ownership is tracked. It is owned by
// exactly one owner at any instant and is never deleted, only deactivated.
type Asset struct {
	ID         string
	Category   string
	BirthDate  string // YYYY-MM-DD
	HealthRef  string
	LineageRef string
	OwnerID    string
	Active     bool

	// ActiveTransferID names the non-terminal transfer for this asset, if any.
	ActiveTransferID string

	UpdatedAt time.Time
}

// Object returns the mergeable field set of the asset. UpdatedAt is kept
// out: it is bookkeeping, not state, and would conflict on every merge.
func (a Asset) Object() canon.Object {
	return canon.Object{
		"id":                 canon.String(a.ID),
		"category":           canon.String(a.Category),
		"birth_date":         canon.String(a.BirthDate),
		"health_ref":         canon.String(a.HealthRef),
		"lineage_ref":        canon.String(a.LineageRef),
		"owner_id":           canon.String(a.OwnerID),
		"active":             canon.Bool(a.Active),
		"active_transfer_id": canon.String(a.ActiveTransferID),
	}
}

// AssetFromObject rebuilds an Asset from its Object form.
func AssetFromObject(obj canon.Object) (Asset, error) {
	a := Asset{
		ID:               obj.GetString("id"),
		Category:         obj.GetString("category"),
		BirthDate:        obj.GetString("birth_date"),
		HealthRef:        obj.GetString("health_ref"),
		LineageRef:       obj.GetString("lineage_ref"),
		OwnerID:          obj.GetString("owner_id"),
		Active:           obj.GetBool("active"),
		ActiveTransferID: obj.GetString("active_transfer_id"),
	}
	if a.ID == "" {
		return Asset{}, fmt.Errorf("asset object missing id")
	}
	return a, nil
}
