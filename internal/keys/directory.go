package keys

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrUnknownKey is returned when a key id is not in the directory.
var ErrUnknownKey = errors.New("unknown key id")

// Directory persists public keys: the device's own history and trusted peers.
// store.Store implements it on SQLite.
type Directory interface {
	PutKey(ctx context.Context, key PublicKey) error
	Key(ctx context.Context, id string) (PublicKey, error)
	Keys(ctx context.Context) ([]PublicKey, error)
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu   sync.RWMutex
	keys map[string]PublicKey
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{keys: make(map[string]PublicKey)}
}

func (d *MemoryDirectory) PutKey(_ context.Context, key PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key.Key = slices.Clone(key.Key)
	d.keys[key.ID] = key
	return nil
}

func (d *MemoryDirectory) Key(_ context.Context, id string) (PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.keys[id]
	if !ok {
		return PublicKey{}, ErrUnknownKey
	}
	return k, nil
}

func (d *MemoryDirectory) Keys(_ context.Context) ([]PublicKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PublicKey, 0, len(d.keys))
	for _, k := range d.keys {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b PublicKey) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	return out, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
