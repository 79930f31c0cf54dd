package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/keys"
	"github.com/roach88/herdtrail/internal/reconcile"
)

// Views give domain values JSON field names and a text rendering.

type assetView struct {
	ID               string `json:"id"`
	Category         string `json:"category"`
	BirthDate        string `json:"birth_date,omitempty"`
	HealthRef        string `json:"health_ref,omitempty"`
	LineageRef       string `json:"lineage_ref,omitempty"`
	OwnerID          string `json:"owner_id"`
	Active           bool   `json:"active"`
	ActiveTransferID string `json:"active_transfer_id,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

func newAssetView(a domain.Asset) assetView {
	return assetView{
		ID:               a.ID,
		Category:         a.Category,
		BirthDate:        a.BirthDate,
		HealthRef:        a.HealthRef,
		LineageRef:       a.LineageRef,
		OwnerID:          a.OwnerID,
		Active:           a.Active,
		ActiveTransferID: a.ActiveTransferID,
		UpdatedAt:        domain.FormatTime(a.UpdatedAt),
	}
}

func (v assetView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Asset %s (%s)\n", v.ID, v.Category)
	fmt.Fprintf(&b, "  Owner:    %s\n", v.OwnerID)
	if v.BirthDate != "" {
		fmt.Fprintf(&b, "  Born:     %s\n", v.BirthDate)
	}
	if v.HealthRef != "" {
		fmt.Fprintf(&b, "  Health:   %s\n", v.HealthRef)
	}
	if v.LineageRef != "" {
		fmt.Fprintf(&b, "  Lineage:  %s\n", v.LineageRef)
	}
	if !v.Active {
		b.WriteString("  Status:   deactivated\n")
	}
	if v.ActiveTransferID != "" {
		fmt.Fprintf(&b, "  Transfer: %s\n", v.ActiveTransferID)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

type assetList []assetView

func (l assetList) String() string {
	if len(l) == 0 {
		return "No assets."
	}
	lines := make([]string, len(l))
	for i, a := range l {
		state := "active"
		switch {
		case !a.Active:
			state = "deactivated"
		case a.ActiveTransferID != "":
			state = "transfer " + a.ActiveTransferID
		}
		lines[i] = fmt.Sprintf("%-20s %-12s %-16s %s", a.ID, a.Category, a.OwnerID, state)
	}
	return strings.Join(lines, "\n")
}

type transferView struct {
	ID                 string   `json:"id"`
	AssetID            string   `json:"asset_id"`
	FromOwnerID        string   `json:"from_owner_id"`
	ToOwnerID          string   `json:"to_owner_id"`
	Method             string   `json:"method"`
	Price              int64    `json:"price,omitempty"`
	Currency           string   `json:"currency,omitempty"`
	Status             string   `json:"status"`
	VerificationStatus string   `json:"verification_status"`
	ProofRefs          []string `json:"proof_refs,omitempty"`
	Reason             string   `json:"reason,omitempty"`
	InitiatedAt        string   `json:"initiated_at"`
	ExpiresAt          string   `json:"expires_at"`
	UpdatedAt          string   `json:"updated_at"`
	SignerKeyID        string   `json:"signer_key_id"`
	Version            int64    `json:"version"`
}

func newTransferView(t domain.TransferRecord) transferView {
	return transferView{
		ID:                 t.ID,
		AssetID:            t.AssetID,
		FromOwnerID:        t.FromOwnerID,
		ToOwnerID:          t.ToOwnerID,
		Method:             string(t.Method),
		Price:              t.Price,
		Currency:           t.Currency,
		Status:             string(t.Status),
		VerificationStatus: string(t.VerificationStatus),
		ProofRefs:          t.ProofRefs,
		Reason:             t.Reason,
		InitiatedAt:        domain.FormatTime(t.InitiatedAt),
		ExpiresAt:          domain.FormatTime(t.ExpiresAt),
		UpdatedAt:          domain.FormatTime(t.UpdatedAt),
		SignerKeyID:        t.SignerKeyID,
		Version:            t.Version,
	}
}

func (v transferView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transfer %s: %s\n", v.ID, v.Status)
	fmt.Fprintf(&b, "  Asset:        %s\n", v.AssetID)
	fmt.Fprintf(&b, "  From -> To:   %s -> %s\n", v.FromOwnerID, v.ToOwnerID)
	fmt.Fprintf(&b, "  Method:       %s\n", v.Method)
	if v.Price != 0 {
		fmt.Fprintf(&b, "  Price:        %d %s\n", v.Price, v.Currency)
	}
	fmt.Fprintf(&b, "  Verification: %s\n", v.VerificationStatus)
	if len(v.ProofRefs) > 0 {
		fmt.Fprintf(&b, "  Proof:        %s\n", strings.Join(v.ProofRefs, ", "))
	}
	if v.Reason != "" {
		fmt.Fprintf(&b, "  Reason:       %s\n", v.Reason)
	}
	fmt.Fprintf(&b, "  Expires:      %s", v.ExpiresAt)
	return b.String()
}

type transferList []transferView

func (l transferList) String() string {
	if len(l) == 0 {
		return "No transfers."
	}
	lines := make([]string, len(l))
	for i, t := range l {
		lines[i] = fmt.Sprintf("%-38s %-22s %s -> %s", t.ID, t.Status, t.FromOwnerID, t.ToOwnerID)
	}
	return strings.Join(lines, "\n")
}

type evidenceView struct {
	PartyID      string   `json:"party_id"`
	ConfirmedAt  string   `json:"confirmed_at"`
	ProofRefs    []string `json:"proof_refs,omitempty"`
	Plausibility *float64 `json:"plausibility,omitempty"`
	SignerKeyID  string   `json:"signer_key_id"`
}

// transferDetail is a transfer with the evidence submitted for it.
type transferDetail struct {
	transferView
	Evidence []evidenceView `json:"evidence"`
}

func newTransferDetail(t domain.TransferRecord, evs []domain.Evidence) transferDetail {
	d := transferDetail{transferView: newTransferView(t), Evidence: make([]evidenceView, len(evs))}
	for i, ev := range evs {
		d.Evidence[i] = evidenceView{
			PartyID:     ev.PartyID,
			ConfirmedAt: domain.FormatTime(ev.ConfirmedAt),
			ProofRefs:   ev.ProofRefs,
			SignerKeyID: ev.SignerKeyID,
		}
		if ev.Plausibility.Scored() {
			score := ev.Plausibility.Float()
			d.Evidence[i].Plausibility = &score
		}
	}
	return d
}

func (d transferDetail) String() string {
	var b strings.Builder
	b.WriteString(d.transferView.String())
	for _, ev := range d.Evidence {
		score := "unscored"
		if ev.Plausibility != nil {
			score = fmt.Sprintf("%.2f", *ev.Plausibility)
		}
		fmt.Fprintf(&b, "\n  Evidence from %s: %s at %s", ev.PartyID, score, ev.ConfirmedAt)
	}
	return b.String()
}

type entryView struct {
	Seq        int64  `json:"seq"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	Before     string `json:"before,omitempty"`
	After      string `json:"after,omitempty"`
	ActorID    string `json:"actor_id"`
	Timestamp  string `json:"timestamp"`
	Origin     string `json:"origin"`
	Verified   bool   `json:"verified"`
}

type entryList []entryView

func newEntryList(entries []domain.ChangeLogEntry) entryList {
	l := make(entryList, len(entries))
	for i, e := range entries {
		l[i] = entryView{
			Seq:        e.Seq,
			EntityType: string(e.EntityType),
			EntityID:   e.EntityID,
			Action:     string(e.Action),
			Before:     e.Before,
			After:      e.After,
			ActorID:    e.ActorID,
			Timestamp:  domain.FormatTime(e.Timestamp),
			Origin:     string(e.Origin),
			Verified:   e.Verified,
		}
	}
	return l
}

func (l entryList) String() string {
	if len(l) == 0 {
		return "No entries."
	}
	lines := make([]string, len(l))
	for i, e := range l {
		mark := ""
		if !e.Verified {
			mark = " (unverified)"
		}
		lines[i] = fmt.Sprintf("%6d  %s  %-6s %-8s %s/%s by %s%s",
			e.Seq, e.Timestamp, e.Origin, e.Action, e.EntityType, e.EntityID, e.ActorID, mark)
	}
	return strings.Join(lines, "\n")
}

type mutationView struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	Action         string `json:"action"`
	BaseVersion    int64  `json:"base_version"`
	RetryCount     int    `json:"retry_count"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
	NextAttemptAt  string `json:"next_attempt_at,omitempty"`
	DeadLetteredAt string `json:"dead_lettered_at,omitempty"`
}

type mutationList []mutationView

func newMutationList(ms []domain.PendingMutation) mutationList {
	l := make(mutationList, len(ms))
	for i, m := range ms {
		l[i] = mutationView{
			ID:             m.ID,
			Seq:            m.Seq,
			EntityType:     string(m.EntityType),
			EntityID:       m.EntityID,
			Action:         string(m.Action),
			BaseVersion:    m.BaseVersion,
			RetryCount:     m.RetryCount,
			LastError:      m.LastError,
			CreatedAt:      domain.FormatTime(m.CreatedAt),
			NextAttemptAt:  domain.FormatTime(m.NextAttemptAt),
			DeadLetteredAt: domain.FormatTime(m.DeadLetteredAt),
		}
	}
	return l
}

func (l mutationList) String() string {
	if len(l) == 0 {
		return "No dead-lettered changes."
	}
	lines := make([]string, len(l))
	for i, m := range l {
		lines[i] = fmt.Sprintf("%s  %s %s/%s after %d attempts: %s",
			m.ID, m.Action, m.EntityType, m.EntityID, m.RetryCount, m.LastError)
	}
	return strings.Join(lines, "\n")
}

type syncView struct {
	Rounds       int `json:"rounds"`
	Pushed       int `json:"pushed"`
	Redelivered  int `json:"redelivered"`
	Merged       int `json:"merged"`
	Resolved     int `json:"resolved"`
	Retrying     int `json:"retrying"`
	DeadLettered int `json:"dead_lettered"`
	Refreshed    int `json:"refreshed"`
	Pending      int `json:"pending"`
	Dead         int `json:"dead"`
}

func newSyncView(r reconcile.Report) syncView {
	return syncView{
		Rounds:       r.Rounds,
		Pushed:       r.Pushed,
		Redelivered:  r.Redelivered,
		Merged:       r.Merged,
		Resolved:     r.Resolved,
		Retrying:     r.Retrying,
		DeadLettered: len(r.DeadLettered),
	}
}

func (v syncView) String() string {
	s := fmt.Sprintf("Pushed %d, merged %d, resolved %d, retrying %d, dead-lettered %d.\nQueue: %d pending, %d dead-lettered.",
		v.Pushed, v.Merged, v.Resolved, v.Retrying, v.DeadLettered, v.Pending, v.Dead)
	if v.Refreshed > 0 {
		s += fmt.Sprintf("\nRefreshed %d assets from the remote store.", v.Refreshed)
	}
	return s
}

type keyView struct {
	ID        string `json:"id"`
	Algorithm string `json:"algorithm"`
	OwnerID   string `json:"owner_id"`
	PublicKey string `json:"public_key"`
	CreatedAt string `json:"created_at"`
	RetiredAt string `json:"retired_at,omitempty"`
}

func newKeyView(k keys.PublicKey) keyView {
	return keyView{
		ID:        k.ID,
		Algorithm: string(k.Algorithm),
		OwnerID:   k.OwnerID,
		PublicKey: k.Encoded(),
		CreatedAt: domain.FormatTime(k.CreatedAt),
		RetiredAt: domain.FormatTime(k.RetiredAt),
	}
}

func (v keyView) String() string {
	return fmt.Sprintf("Key %s (%s) for %s\n  %s", v.ID, v.Algorithm, v.OwnerID, v.PublicKey)
}

// message is a plain confirmation.
type message struct {
	Message string `json:"message"`
	Count   *int   `json:"count,omitempty"`
}

func (m message) String() string {
	return m.Message
}

func counted(n int, format string, args ...any) message {
	return message{Message: fmt.Sprintf(format, args...), Count: &n}
}

// formatAge renders a retention horizon for messages.
func formatAge(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	return d.String()
}
