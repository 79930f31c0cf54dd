// Package memory is an in-process remote.Store for tests, scenarios and
// offline demos. Faults can be injected to exercise retry and dead-letter
// paths.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/remote"
)

// Fault decides whether an operation fails. op is "get" or "put".
// Returning nil lets the operation through.
type Fault func(op string, entityType domain.EntityType, entityID string) error

// Store is a remote.Store held in memory.
//
// Thread-safety: Store is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	docs   map[string]remote.Document
	clock  domain.Clock
	fault  Fault
	failN  int
	failE  error
	gets   int
	puts   int
	denied int
}

var _ remote.Store = (*Store)(nil)

// New creates an empty store. A nil clock uses the system clock.
func New(clock domain.Clock) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Store{docs: make(map[string]remote.Document), clock: clock}
}

func key(entityType domain.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

// SetFault installs f, replacing any previous one. Nil removes it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// FailNext makes the next n operations fail with err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN, s.failE = n, err
}

// Offline makes every operation fail with a transient ErrUnavailable
// until called with false.
func (s *Store) Offline(offline bool) {
	if offline {
		s.SetFault(func(string, domain.EntityType, string) error {
			return remote.Transient(remote.ErrUnavailable)
		})
		return
	}
	s.SetFault(nil)
}

// caller holds s.mu
func (s *Store) inject(op string, entityType domain.EntityType, entityID string) error {
	if s.failN > 0 {
		s.failN--
		return s.failE
	}
	if s.fault != nil {
		return s.fault(op, entityType, entityID)
	}
	return nil
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, entityType domain.EntityType, entityID string) (remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return remote.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if err := s.inject("get", entityType, entityID); err != nil {
		return remote.Document{}, err
	}
	doc, ok := s.docs[key(entityType, entityID)]
	if !ok {
		return remote.Document{}, fmt.Errorf("%s/%s: %w", entityType, entityID, remote.ErrNotFound)
	}
	doc.Fields = doc.Fields.Clone()
	return doc, nil
}

// Put implements remote.Store.
func (s *Store) Put(ctx context.Context, doc remote.Document, expectedVersion int64) (remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return remote.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if err := s.inject("put", doc.EntityType, doc.EntityID); err != nil {
		return remote.Document{}, err
	}
	k := key(doc.EntityType, doc.EntityID)
	cur, ok := s.docs[k]
	if (!ok && expectedVersion != 0) || (ok && cur.Version != expectedVersion) {
		s.denied++
		return remote.Document{}, fmt.Errorf("%s/%s at version %d, expected %d: %w",
			doc.EntityType, doc.EntityID, cur.Version, expectedVersion, remote.ErrPreconditionFailed)
	}
	doc.Version = expectedVersion + 1
	doc.UpdatedAt = s.clock.Now()
	doc.Fields = doc.Fields.Clone()
	s.docs[k] = doc
	out := doc
	out.Fields = doc.Fields.Clone()
	return out, nil
}

// Seed writes doc unconditionally, as another device would, and returns
// it with its new version.
func (s *Store) Seed(doc remote.Document) remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(doc.EntityType, doc.EntityID)
	doc.Version = s.docs[k].Version + 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.clock.Now()
	}
	doc.Fields = doc.Fields.Clone()
	s.docs[k] = doc
	return doc
}

// Documents returns every stored document of a type ordered by id.
func (s *Store) Documents(entityType domain.EntityType) []remote.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remote.Document
	for _, d := range s.docs {
		if d.EntityType == entityType {
			d.Fields = d.Fields.Clone()
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Stats reports operation counts; denied counts failed preconditions.
func (s *Store) Stats() (gets, puts, denied int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts, s.denied
}
