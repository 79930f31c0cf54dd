package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/store"
)

// RegisterAssetRequest describes a new asset.
type RegisterAssetRequest struct {
	ID         string
	Category   string
	BirthDate  string
	HealthRef  string
	LineageRef string
	OwnerID    string
}

func (r RegisterAssetRequest) validate() error {
	if r.ID == "" || r.OwnerID == "" {
		return fmt.Errorf("%w: asset id and owner are required", ErrInvalidRequest)
	}
	if r.BirthDate != "" {
		if _, err := time.Parse(time.DateOnly, r.BirthDate); err != nil {
			return fmt.Errorf("%w: birth date %q is not YYYY-MM-DD", ErrInvalidRequest, r.BirthDate)
		}
	}
	return nil
}

// RegisterAsset records a new asset owned by req.OwnerID. Registering the
// same asset again with identical details returns the stored asset.
func (m *Machine) RegisterAsset(ctx context.Context, req RegisterAssetRequest) (domain.Asset, error) {
	if err := req.validate(); err != nil {
		return domain.Asset{}, err
	}
	a := domain.Asset{
		ID:         req.ID,
		Category:   req.Category,
		BirthDate:  req.BirthDate,
		HealthRef:  req.HealthRef,
		LineageRef: req.LineageRef,
		OwnerID:    req.OwnerID,
		Active:     true,
	}
	var out domain.Asset
	err := m.withAsset(ctx, req.ID, func(t *tx) error {
		existing, err := t.q.GetAsset(t.ctx, req.ID)
		switch {
		case err == nil:
			if existing.Category == a.Category && existing.BirthDate == a.BirthDate &&
				existing.HealthRef == a.HealthRef && existing.LineageRef == a.LineageRef &&
				existing.OwnerID == a.OwnerID {
				out = existing
				return nil
			}
			return fmt.Errorf("%w: asset %s already registered", ErrInvalidRequest, req.ID)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := t.saveAsset(domain.Asset{}, &a, req.OwnerID, domain.OriginLocal); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Asset{}, err
	}
	return out, nil
}

// AssetDetails are the descriptive fields of an asset. Empty fields are
// left unchanged.
type AssetDetails struct {
	Category   string
	HealthRef  string
	LineageRef string
}

// UpdateAsset changes descriptive fields. Only the owner may do so.
func (m *Machine) UpdateAsset(ctx context.Context, id, actorID string, d AssetDetails) (domain.Asset, error) {
	var out domain.Asset
	err := m.withAsset(ctx, id, func(t *tx) error {
		a, err := t.asset(id)
		if err != nil {
			return err
		}
		if a.OwnerID != actorID {
			return fmt.Errorf("%w: %s does not own asset %s", ErrInvalidRequest, actorID, id)
		}
		before := a
		if d.Category != "" {
			a.Category = d.Category
		}
		if d.HealthRef != "" {
			a.HealthRef = d.HealthRef
		}
		if d.LineageRef != "" {
			a.LineageRef = d.LineageRef
		}
		if a.Category == before.Category && a.HealthRef == before.HealthRef && a.LineageRef == before.LineageRef {
			out = a
			return nil
		}
		if err := t.saveAsset(before, &a, actorID, domain.OriginLocal); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Asset{}, err
	}
	return out, nil
}

// DeactivateAsset retires an asset. Assets are never deleted. An asset with
// an active transfer cannot be deactivated.
func (m *Machine) DeactivateAsset(ctx context.Context, id, actorID string) (domain.Asset, error) {
	var out domain.Asset
	err := m.withAsset(ctx, id, func(t *tx) error {
		a, err := t.asset(id)
		if err != nil {
			return err
		}
		if a.OwnerID != actorID {
			return fmt.Errorf("%w: %s does not own asset %s", ErrInvalidRequest, actorID, id)
		}
		if a.ActiveTransferID != "" {
			return &domain.ConflictError{AssetID: id, ActiveTransferID: a.ActiveTransferID}
		}
		if !a.Active {
			out = a
			return nil
		}
		before := a
		a.Active = false
		if err := t.saveAsset(before, &a, actorID, domain.OriginLocal); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Asset{}, err
	}
	return out, nil
}

// GetAsset returns an asset.
func (m *Machine) GetAsset(ctx context.Context, id string) (domain.Asset, error) {
	a, err := m.store.GetAsset(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Asset{}, &domain.NotFoundError{Kind: "asset", ID: id}
	}
	return a, err
}

// ListAssets returns the assets of an owner, or all assets when ownerID is
// empty.
func (m *Machine) ListAssets(ctx context.Context, ownerID string) ([]domain.Asset, error) {
	return m.store.ListAssets(ctx, ownerID)
}
