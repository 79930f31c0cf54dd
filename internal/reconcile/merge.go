package reconcile

import (
	"maps"
	"slices"
	"time"

	"github.com/roach88/herdtrail/internal/canon"
	"github.com/roach88/herdtrail/internal/domain"
)

// custodyFields decide who holds an asset. The remote store is the custody
// authority, so when both sides changed one of them the remote value stands
// regardless of timestamps.
var custodyFields = map[string]bool{
	"owner_id":           true,
	"active":             true,
	"active_transfer_id": true,
}

// Side is one input of a merge: a full field set and when it was written.
type Side struct {
	Fields canon.Object
	At     time.Time
}

// FieldConflict is a field both sides changed to different values.
type FieldConflict struct {
	Field  string
	Local  canon.Value // nil when local removed the field
	Remote canon.Value // nil when remote removed the field
	Winner domain.Origin
}

// Loser returns the value that was not applied.
func (c FieldConflict) Loser() canon.Value {
	if c.Winner == domain.OriginRemote {
		return c.Local
	}
	return c.Remote
}

// MergeFields merges local and remote changes made on top of base.
//
// A field changed on one side only takes that side's value. A field both
// sides changed to different values goes to the later writer, with ties
// going to the remote store. Fields listed in remoteWins always go to the
// remote store. Changes to disjoint fields merge the same way whichever
// side is called local.
func MergeFields(base canon.Object, local, remote Side, remoteWins map[string]bool) (canon.Object, []FieldConflict) {
	merged := canon.Object{}
	var conflicts []FieldConflict

	keys := make(map[string]bool, len(local.Fields)+len(remote.Fields))
	for k := range base {
		keys[k] = true
	}
	for k := range local.Fields {
		keys[k] = true
	}
	for k := range remote.Fields {
		keys[k] = true
	}
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		bv, bok := base[k]
		lv, lok := local.Fields[k]
		rv, rok := remote.Fields[k]

		localChanged := !same(bv, bok, lv, lok)
		remoteChanged := !same(bv, bok, rv, rok)

		var v canon.Value
		var ok bool
		switch {
		case !localChanged:
			v, ok = rv, rok
		case !remoteChanged || same(lv, lok, rv, rok):
			v, ok = lv, lok
		default:
			winner := domain.OriginRemote
			if !remoteWins[k] && local.At.After(remote.At) {
				winner = domain.OriginLocal
			}
			if winner == domain.OriginLocal {
				v, ok = lv, lok
			} else {
				v, ok = rv, rok
			}
			c := FieldConflict{Field: k, Winner: winner}
			if lok {
				c.Local = lv
			}
			if rok {
				c.Remote = rv
			}
			conflicts = append(conflicts, c)
		}
		if ok {
			merged[k] = v
		}
	}
	return merged, conflicts
}

func same(a canon.Value, aok bool, b canon.Value, bok bool) bool {
	if aok != bok {
		return false
	}
	return !aok || canon.Equal(a, b)
}
