// Package verify decides whether the evidence collected for a transfer
// satisfies the transfer's verification criteria, and authenticates each
// piece of evidence before it is accepted.
//
// Evaluation is a pure function of the record and its evidence: it never
// polls. The transfer machine re-runs it after every submission.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/keys"
)

// Policy holds the scoring thresholds. Scores are basis points.
type Policy struct {
	// Threshold is the minimum plausibility each party needs for SATISFIED.
	Threshold domain.Score

	// HardFloor: any score below it disputes the transfer immediately.
	HardFloor domain.Score

	// MaxDelta: both parties present and further apart than this disputes.
	MaxDelta domain.Score

	// RequireProofWhenPriced demands at least one proof reference from
	// each party for transfers with a price.
	RequireProofWhenPriced bool
}

// DefaultPolicy returns threshold 0.50, floor 0.20, max delta 0.40 and
// requires proof for priced transfers.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:              5000,
		HardFloor:              2000,
		MaxDelta:               4000,
		RequireProofWhenPriced: true,
	}
}

// Validate checks the thresholds are coherent.
func (p Policy) Validate() error {
	for name, v := range map[string]domain.Score{"threshold": p.Threshold, "hard floor": p.HardFloor, "max delta": p.MaxDelta} {
		if v < 0 || v > domain.ScoreMax {
			return fmt.Errorf("verification %s %s out of range", name, v)
		}
	}
	if p.HardFloor > p.Threshold {
		return fmt.Errorf("verification hard floor %s above threshold %s", p.HardFloor, p.Threshold)
	}
	return nil
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Status domain.VerificationStatus
	Reason string

	// Missing lists parties that have not attested yet.
	Missing []string
}

// Satisfied reports whether the transfer may complete.
func (d Decision) Satisfied() bool {
	return d.Status == domain.VerificationSatisfied
}

// Disputed reports whether the evidence contradicts itself.
func (d Decision) Disputed() bool {
	return d.Status == domain.VerificationDisputed
}

// KeyVerifier checks signatures against the key directory. keys.Manager
// implements it.
type KeyVerifier interface {
	VerifyObject(ctx context.Context, domainTag string, obj canon.Object, sig, keyID string) (bool, error)
	Lookup(ctx context.Context, keyID string) (keys.PublicKey, error)
}

// Engine evaluates evidence under a Policy.
type Engine struct {
	keys   KeyVerifier
	policy Policy
	logger *slog.Logger
}

// New creates an Engine.
func New(kv KeyVerifier, policy Policy, logger *slog.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{keys: kv, policy: policy, logger: logger}, nil
}

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy {
	return e.policy
}

// VerifyEvidence authenticates ev: its signature must verify against a
// known key, and that key must belong to the attesting party. Any failure
// is a SignatureError.
func (e *Engine) VerifyEvidence(ctx context.Context, ev domain.Evidence) error {
	if ev.Signature == "" || ev.SignerKeyID == "" {
		return &domain.SignatureError{EntityID: ev.Key(), Reason: "evidence is unsigned"}
	}
	key, err := e.keys.Lookup(ctx, ev.SignerKeyID)
	if errors.Is(err, keys.ErrUnknownKey) {
		return &domain.SignatureError{EntityID: ev.Key(), KeyID: ev.SignerKeyID, Reason: "signer key is not trusted"}
	}
	if err != nil {
		return err
	}
	if key.OwnerID != ev.PartyID {
		return &domain.SignatureError{
			EntityID: ev.Key(),
			KeyID:    ev.SignerKeyID,
			Reason:   fmt.Sprintf("key belongs to %s, not %s", key.OwnerID, ev.PartyID),
		}
	}
	return e.verify(ctx, ev.Key(), canon.DomainEvidence, ev.SigningPayload(), ev.Signature, ev.SignerKeyID)
}

// VerifyTransfer authenticates a transfer record's signature. The signer
// may be any known key: records are re-signed by whichever device applied
// the last transition.
func (e *Engine) VerifyTransfer(ctx context.Context, rec domain.TransferRecord) error {
	if rec.Signature == "" || rec.SignerKeyID == "" {
		return &domain.SignatureError{EntityID: rec.ID, Reason: "transfer record is unsigned"}
	}
	return e.verify(ctx, rec.ID, canon.DomainTransfer, rec.SigningPayload(), rec.Signature, rec.SignerKeyID)
}

func (e *Engine) verify(ctx context.Context, entityID, domainTag string, obj canon.Object, sig, keyID string) error {
	ok, err := e.keys.VerifyObject(ctx, domainTag, obj, sig, keyID)
	if errors.Is(err, keys.ErrUnknownKey) {
		return &domain.SignatureError{EntityID: entityID, KeyID: keyID, Reason: "signer key is not trusted"}
	}
	if err != nil {
		return &domain.SignatureError{EntityID: entityID, KeyID: keyID, Reason: err.Error()}
	}
	if !ok {
		e.logger.Warn("signature mismatch", "entity_id", entityID, "key_id", keyID)
		return &domain.SignatureError{EntityID: entityID, KeyID: keyID, Reason: "signature does not match payload"}
	}
	return nil
}

// Evaluate applies the policy to the evidence of rec. Evidence from
// anyone other than the two parties is ignored, and only the evidence
// itself counts: proof references are taken per party, never from the
// record.
//
// Rules, first match wins:
//   - any scored party below HardFloor: DISPUTED
//   - no evidence: UNVERIFIED
//   - one party missing or unscored: PARTIAL
//   - scores differ by more than MaxDelta: DISPUTED
//   - either score below Threshold: PARTIAL
//   - priced, proof required, and a party gave no proof: PARTIAL
//   - otherwise: SATISFIED
func (e *Engine) Evaluate(rec domain.TransferRecord, evidence []domain.Evidence) Decision {
	var from, to *domain.Evidence
	for i := range evidence {
		ev := &evidence[i]
		if ev.TransferID != rec.ID {
			continue
		}
		switch ev.PartyID {
		case rec.FromOwnerID:
			from = ev
		case rec.ToOwnerID:
			to = ev
		}
	}

	var missing []string
	if from == nil {
		missing = append(missing, rec.FromOwnerID)
	}
	if to == nil {
		missing = append(missing, rec.ToOwnerID)
	}

	for _, ev := range []*domain.Evidence{from, to} {
		if ev != nil && ev.Plausibility.Scored() && ev.Plausibility < e.policy.HardFloor {
			return Decision{
				Status:  domain.VerificationDisputed,
				Reason:  fmt.Sprintf("plausibility %s from %s below floor %s", ev.Plausibility, ev.PartyID, e.policy.HardFloor),
				Missing: missing,
			}
		}
	}

	if from == nil && to == nil {
		return Decision{Status: domain.VerificationUnverified, Missing: missing}
	}
	if from == nil || to == nil {
		return Decision{Status: domain.VerificationPartial, Reason: "awaiting counterparty evidence", Missing: missing}
	}
	for _, ev := range []*domain.Evidence{from, to} {
		if !ev.Plausibility.Scored() {
			return Decision{Status: domain.VerificationPartial, Reason: fmt.Sprintf("evidence from %s has no plausibility score", ev.PartyID)}
		}
	}

	delta := from.Plausibility - to.Plausibility
	if delta < 0 {
		delta = -delta
	}
	if delta > e.policy.MaxDelta {
		return Decision{
			Status: domain.VerificationDisputed,
			Reason: fmt.Sprintf("parties disagree: %s vs %s", from.Plausibility, to.Plausibility),
		}
	}

	if from.Plausibility < e.policy.Threshold || to.Plausibility < e.policy.Threshold {
		return Decision{Status: domain.VerificationPartial, Reason: "plausibility below threshold"}
	}
	if e.policy.RequireProofWhenPriced && rec.Priced() {
		for _, ev := range []*domain.Evidence{from, to} {
			if len(ev.ProofRefs) == 0 {
				return Decision{
					Status: domain.VerificationPartial,
					Reason: fmt.Sprintf("priced transfer requires a proof reference from %s", ev.PartyID),
				}
			}
		}
	}
	return Decision{Status: domain.VerificationSatisfied}
}

// ProofRefs returns the sorted union of the proof references in the
// parties' current evidence.
func ProofRefs(rec domain.TransferRecord, evidence []domain.Evidence) []string {
	var refs []string
	for _, ev := range evidence {
		if ev.TransferID == rec.ID && (ev.PartyID == rec.FromOwnerID || ev.PartyID == rec.ToOwnerID) {
			refs = domain.MergeProofRefs(refs, ev.ProofRefs)
		}
	}
	return refs
}
