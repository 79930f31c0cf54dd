package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
)

// TransferRecord is one attempt to move ownership of an Asset between two
// parties. It is mutated only through the transfer state machine and is
// immutable once its Status is terminal.
type TransferRecord struct {
	ID                 string
	AssetID            string
	FromOwnerID        string
	ToOwnerID          string
	InitiatedAt        time.Time
	Price              int64 // minor currency units, 0 when there is no price
	Currency           string
	Method             Method
	Status             Status
	VerificationStatus VerificationStatus
	ProofRefs          []string
	Signature          string
	SignerKeyID        string
	ExpiresAt          time.Time
	UpdatedAt          time.Time
	Reason             string

	// Version is the local revision counter, bumped on every transition.
	Version int64
}

// Priced reports whether the transfer carries a non-zero price.
func (t TransferRecord) Priced() bool {
	return t.Price != 0
}

// IsParty reports whether id is the sender or the receiver.
func (t TransferRecord) IsParty(id string) bool {
	return id != "" && (id == t.FromOwnerID || id == t.ToOwnerID)
}

// SigningPayload returns the field set covered by Signature.
// Proof references are sorted so the payload does not depend on the order
// evidence arrived in.
func (t TransferRecord) SigningPayload() canon.Object {
	refs := slices.Clone(t.ProofRefs)
	slices.Sort(refs)
	obj := canon.Object{
		"id":                  canon.String(t.ID),
		"asset_id":            canon.String(t.AssetID),
		"from_owner_id":       canon.String(t.FromOwnerID),
		"to_owner_id":         canon.String(t.ToOwnerID),
		"initiated_at":        canon.String(FormatTime(t.InitiatedAt)),
		"price":               canon.Int(t.Price),
		"method":              canon.String(string(t.Method)),
		"status":              canon.String(string(t.Status)),
		"verification_status": canon.String(string(t.VerificationStatus)),
		"proof_refs":          canon.Strings(refs),
	}
	if t.Currency != "" {
		obj["currency"] = canon.String(t.Currency)
	}
	return obj
}

// Object returns the full record, signature included. This is the payload
// of transfer mutations, change log snapshots and remote documents.
func (t TransferRecord) Object() canon.Object {
	obj := t.SigningPayload()
	obj["signature"] = canon.String(t.Signature)
	obj["signer_key_id"] = canon.String(t.SignerKeyID)
	obj["expires_at"] = canon.String(FormatTime(t.ExpiresAt))
	obj["updated_at"] = canon.String(FormatTime(t.UpdatedAt))
	if t.Reason != "" {
		obj["reason"] = canon.String(t.Reason)
	}
	return obj
}

// TransferFromObject rebuilds a TransferRecord from its Object form.
func TransferFromObject(obj canon.Object) (TransferRecord, error) {
	status, err := ParseStatus(obj.GetString("status"))
	if err != nil {
		return TransferRecord{}, err
	}
	method, err := ParseMethod(obj.GetString("method"))
	if err != nil {
		return TransferRecord{}, err
	}
	t := TransferRecord{
		ID:                 obj.GetString("id"),
		AssetID:            obj.GetString("asset_id"),
		FromOwnerID:        obj.GetString("from_owner_id"),
		ToOwnerID:          obj.GetString("to_owner_id"),
		Price:              obj.GetInt("price"),
		Currency:           obj.GetString("currency"),
		Method:             method,
		Status:             status,
		VerificationStatus: VerificationStatus(obj.GetString("verification_status")),
		ProofRefs:          obj.GetStrings("proof_refs"),
		Signature:          obj.GetString("signature"),
		SignerKeyID:        obj.GetString("signer_key_id"),
		Reason:             obj.GetString("reason"),
	}
	if t.ID == "" || t.AssetID == "" {
		return TransferRecord{}, fmt.Errorf("transfer object missing id or asset_id")
	}
	if t.InitiatedAt, err = ParseTime(obj.GetString("initiated_at")); err != nil {
		return TransferRecord{}, fmt.Errorf("transfer %s initiated_at: %w", t.ID, err)
	}
	if t.ExpiresAt, err = ParseTime(obj.GetString("expires_at")); err != nil {
		return TransferRecord{}, fmt.Errorf("transfer %s expires_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = ParseTime(obj.GetString("updated_at")); err != nil {
		return TransferRecord{}, fmt.Errorf("transfer %s updated_at: %w", t.ID, err)
	}
	return t, nil
}

// MergeProofRefs returns the sorted union of a and b.
func MergeProofRefs(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
