// Package fleet holds the in-memory authoritative map of VM records plus
// the edge-triggered change signal the reconciler waits on.
package fleet

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v2"

	"github.com/wso-systems/wsod/internal/vm"
)

// Store is the fleet's single source of truth. All mutations are
// serialized through m; readers take a Snapshot and never see a partially
// mutated record.
type Store struct {
	logger hclog.Logger

	mu      sync.Mutex
	records map[string]*vm.Record

	// signal is a buffered 1-element channel implementing the collapsing
	// edge-triggered wake-up: Notify does a non-blocking send (dropped if
	// already full), Wait blocks until a send has landed then drains it,
	// so any number of coalesced Notify calls produce exactly one Wait
	// wake-up.
	signal chan struct{}
}

func New(logger hclog.Logger) *Store {
	return &Store{
		logger:  logger.Named("fleet"),
		records: make(map[string]*vm.Record),
		signal:  make(chan struct{}, 1),
	}
}

// Insert adds a new record, failing if the name is already present.
func (s *Store) Insert(r *vm.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.Name]; ok {
		return vm.ErrAlreadyExists
	}
	s.records[r.Name] = r
	return nil
}

// Mutator mutates a record in place under the store's lock. It must not
// retain r past the call.
type Mutator func(r *vm.Record)

// Update applies mutate to the named record under exclusive access. It is
// a no-op if the record is missing, and a no-op if the record is already
// Terminating unless allowTerminating is set by the caller (the owning
// destroy worker).
func (s *Store) Update(name string, allowTerminating bool, mutate Mutator) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return
	}
	if r.State == vm.StateTerminating && !allowTerminating {
		return
	}
	mutate(r)
}

// Remove deletes and returns the named record, or nil if absent.
func (s *Store) Remove(name string) *vm.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return nil
	}
	delete(s.records, name)
	return r
}

// Get returns a copy of the named record, or nil if absent.
func (s *Store) Get(name string) *vm.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[name]
	if !ok {
		return nil
	}
	return r.Copy()
}

// Snapshot returns a consistent, independently mutable copy of every
// record currently in the fleet.
func (s *Store) Snapshot() []*vm.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*vm.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Copy())
	}
	return out
}

// IPsInUse returns the set of IP addresses currently assigned, for
// collision checking during static IP allocation.
func (s *Store) IPsInUse() *set.Set[string] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := set.New[string](len(s.records))
	for _, r := range s.records {
		if r.IPAddress != "" {
			out.Insert(r.IPAddress)
		}
	}
	return out
}

// Notify marks the change signal set. Multiple calls that occur before
// the next Wait collapse into a single wake-up.
func (s *Store) Notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until Notify has been called at least once since the last
// Wait returned, or until ctx is done.
func (s *Store) Wait(ctx context.Context) error {
	select {
	case <-s.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
