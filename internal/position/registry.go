package position

import (
	"errors"
	"sync"
)

// Registry errors.
var (
	ErrDuplicatePosition = errors.New("duplicate position for symbol")
	ErrNotTracked        = errors.New("symbol not tracked")
	ErrCloseInProgress   = errors.New("close already in progress")
)

// Registry exclusively owns the symbol-to-position mapping. It is the only
// mutable structure shared between the monitor and consumer loops and is
// guarded by a single mutex. No network I/O ever happens under the lock:
// callers take a snapshot, do their I/O, then commit through Commit, which
// re-checks that the symbol still exists.
type Registry struct {
	mu        sync.Mutex
	positions map[string]*Position
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[string]*Position)}
}

// Add inserts a new position. Exactly one position per symbol may exist;
// a second insert fails with ErrDuplicatePosition.
func (r *Registry) Add(p *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[p.Symbol]; exists {
		return ErrDuplicatePosition
	}
	r.positions[p.Symbol] = p
	return nil
}

// Get returns a copy of the position for symbol.
func (r *Registry) Get(symbol string) (*Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Has reports whether symbol is tracked.
func (r *Registry) Has(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.positions[symbol]
	return ok
}

// Len returns the number of tracked positions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}

// Symbols returns the tracked symbol set.
func (r *Registry) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.positions))
	for sym := range r.positions {
		out = append(out, sym)
	}
	return out
}

// Snapshot returns copies of every tracked position, for use across I/O
// with the lock released.
func (r *Registry) Snapshot() []*Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p.Clone())
	}
	return out
}

// BeginClose transitions symbol from OPEN to CLOSING and returns a copy.
// The compare-and-swap under the lock is what guarantees at most one close
// per position under concurrent attempts: every other caller gets
// ErrCloseInProgress (or ErrNotTracked once the winner removed it).
func (r *Registry) BeginClose(symbol string) (*Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return nil, ErrNotTracked
	}
	if p.State != StateOpen {
		return nil, ErrCloseInProgress
	}
	p.State = StateClosing
	return p.Clone(), nil
}

// AbortClose returns a CLOSING position to OPEN after a failed close, so
// the monitor keeps serving it.
func (r *Registry) AbortClose(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.positions[symbol]; ok && p.State == StateClosing {
		p.State = StateOpen
	}
}

// Remove deletes symbol and returns the final copy, marked CLOSED.
// A removed position is never reused.
func (r *Registry) Remove(symbol string) (*Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return nil, false
	}
	delete(r.positions, symbol)
	p.State = StateClosed
	return p, true
}

// Commit runs fn on the live position under the lock, re-checking that the
// symbol still exists; it may have been closed by the other loop since the
// caller took its snapshot. fn must not perform I/O or take other locks.
func (r *Registry) Commit(symbol string, fn func(*Position) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return ErrNotTracked
	}
	return fn(p)
}
