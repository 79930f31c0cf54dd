package domain

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
)

// Score is a plausibility score in basis points: 0 is implausible,
// ScoreMax is certain. Floats never enter signed payloads.
type Score int64

// ScoreMax is a plausibility of 1.0.
const ScoreMax Score = 10000

// ScoreUnset marks evidence submitted without a plausibility score. It
// never disputes a transfer and never satisfies one.
const ScoreUnset Score = -1

// Scored reports whether s carries a score.
func (s Score) Scored() bool {
	return s >= 0
}

// ScoreFromFloat converts a 0.0-1.0 score into basis points, clamping
// out-of-range input.
func ScoreFromFloat(f float64) Score {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= 1 {
		return ScoreMax
	}
	return Score(math.Round(f * float64(ScoreMax)))
}

// Float returns the score as a 0.0-1.0 value.
func (s Score) Float() float64 {
	return float64(s) / float64(ScoreMax)
}

func (s Score) String() string {
	if !s.Scored() {
		return "unscored"
	}
	return fmt.Sprintf("%.4f", s.Float())
}

// GeoHint is an optional capture location in microdegrees.
type GeoHint struct {
	LatE6     int64
	LonE6     int64
	AccuracyM int64
}

func (g GeoHint) object() canon.Object {
	return canon.Object{
		"lat_e6":     canon.Int(g.LatE6),
		"lon_e6":     canon.Int(g.LonE6),
		"accuracy_m": canon.Int(g.AccuracyM),
	}
}

// Evidence is one party's signed attestation for a transfer. There is at
// most one per (TransferID, PartyID); a resubmission replaces it.
type Evidence struct {
	TransferID   string
	PartyID      string
	ConfirmedAt  time.Time
	ProofRefs    []string
	GeoHint      *GeoHint
	Plausibility Score
	Signature    string
	SignerKeyID  string
}

// Key is the document id of the evidence entry: one per transfer and party.
func (e Evidence) Key() string {
	return EvidenceKey(e.TransferID, e.PartyID)
}

// EvidenceKey builds the evidence document id.
func EvidenceKey(transferID, partyID string) string {
	return transferID + "/" + partyID
}

// SigningPayload returns the field set covered by Signature.
func (e Evidence) SigningPayload() canon.Object {
	refs := slices.Clone(e.ProofRefs)
	slices.Sort(refs)
	obj := canon.Object{
		"transfer_id":  canon.String(e.TransferID),
		"party_id":     canon.String(e.PartyID),
		"confirmed_at": canon.String(FormatTime(e.ConfirmedAt)),
		"proof_refs":   canon.Strings(refs),
	}
	if e.Plausibility.Scored() {
		obj["plausibility"] = canon.Int(int64(e.Plausibility))
	}
	if e.GeoHint != nil {
		obj["geo_hint"] = e.GeoHint.object()
	}
	return obj
}

// Object returns the full evidence entry, signature included.
func (e Evidence) Object() canon.Object {
	obj := e.SigningPayload()
	obj["signature"] = canon.String(e.Signature)
	obj["signer_key_id"] = canon.String(e.SignerKeyID)
	return obj
}

// EvidenceFromObject rebuilds an Evidence entry from its Object form.
func EvidenceFromObject(obj canon.Object) (Evidence, error) {
	e := Evidence{
		TransferID:   obj.GetString("transfer_id"),
		PartyID:      obj.GetString("party_id"),
		ProofRefs:    obj.GetStrings("proof_refs"),
		Plausibility: ScoreUnset,
		Signature:    obj.GetString("signature"),
		SignerKeyID:  obj.GetString("signer_key_id"),
	}
	if e.TransferID == "" || e.PartyID == "" {
		return Evidence{}, fmt.Errorf("evidence object missing transfer_id or party_id")
	}
	if _, ok := obj["plausibility"]; ok {
		e.Plausibility = Score(obj.GetInt("plausibility"))
	}
	var err error
	if e.ConfirmedAt, err = ParseTime(obj.GetString("confirmed_at")); err != nil {
		return Evidence{}, fmt.Errorf("evidence %s confirmed_at: %w", e.Key(), err)
	}
	if geo, ok := obj["geo_hint"].(canon.Object); ok {
		e.GeoHint = &GeoHint{
			LatE6:     geo.GetInt("lat_e6"),
			LonE6:     geo.GetInt("lon_e6"),
			AccuracyM: geo.GetInt("accuracy_m"),
		}
	}
	return e, nil
}
