package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Archive receives every invocation once it reaches a terminal status, and
// detached invocations when they are recorded since nothing polls them
// afterwards.
type Archive interface {
	Store(ctx context.Context, inv Invocation) error
}

// Loader looks up invocations that may no longer be held in memory.
type Loader interface {
	Load(ctx context.Context, id string) (Invocation, bool, error)
}

// Options bounds retention. Zero Capacity or MaxAge disables that bound.
type Options struct {
	Capacity       int
	MaxAge         time.Duration
	Archive        Archive
	ArchiveTimeout time.Duration

	// now allows overriding for tests
	now func() time.Time
}

// Tracker keeps invocations in memory keyed by id. Only terminal or
// detached invocations are ever evicted; a waited invocation that is still
// in flight stays until its executor finishes with it.
type Tracker struct {
	mu    sync.RWMutex
	items map[string]*Invocation
	order []string // insertion order, oldest first

	opts Options
}

func New(opts Options) *Tracker {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 5 * time.Second
	}
	return &Tracker{items: make(map[string]*Invocation), opts: opts}
}

// Record stores a new invocation. An empty status becomes Pending and a
// zero StartedAt becomes now.
func (t *Tracker) Record(inv Invocation) error {
	if inv.ID == "" {
		return fmt.Errorf("record invocation: empty id")
	}
	if inv.Status == "" {
		inv.Status = StatusPending
	}
	if inv.Status.rank() < 0 {
		return fmt.Errorf("record invocation %s: unknown status %q", inv.ID, inv.Status)
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = t.opts.now()
	}
	inv = inv.clone()

	t.mu.Lock()
	if _, ok := t.items[inv.ID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("record invocation %s: %w", inv.ID, ErrDuplicate)
	}
	t.items[inv.ID] = &inv
	t.order = append(t.order, inv.ID)
	t.evictLocked(inv.ID)
	t.mu.Unlock()

	if inv.Status.Terminal() || inv.Detached {
		t.archive(inv)
	}
	return nil
}

// Update moves an invocation forward. Status and EndedAt change under the
// same lock so a reader never sees one without the other. Re-applying the
// current non-terminal status is a no-op; leaving a terminal status or going
// backwards returns ErrInvalidTransition.
func (t *Tracker) Update(id string, status Status, cause error) error {
	t.mu.Lock()
	inv, ok := t.items[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("update invocation %s: %w", id, ErrNotFound)
	}
	cur := inv.Status
	if cur.Terminal() || status.rank() < cur.rank() || status.rank() < 0 {
		t.mu.Unlock()
		return fmt.Errorf("update invocation %s %s -> %s: %w", id, cur, status, ErrInvalidTransition)
	}
	if status == cur {
		t.mu.Unlock()
		return nil
	}
	inv.Status = status
	if cause != nil {
		inv.Error = cause.Error()
	}
	var snapshot Invocation
	if status.Terminal() {
		end := t.opts.now()
		inv.EndedAt = &end
		snapshot = inv.clone()
	}
	t.mu.Unlock()

	log.Debug().Str("invocation", id).Str("from", string(cur)).Str("to", string(status)).Msg("invocation status changed")
	if status.Terminal() {
		t.archive(snapshot)
	}
	return nil
}

// Get returns a copy of the invocation.
func (t *Tracker) Get(id string) (Invocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.items[id]
	if !ok {
		return Invocation{}, false
	}
	return inv.clone(), true
}

// List returns up to limit invocations, newest first. limit <= 0 means all.
func (t *Tracker) List(limit int) []Invocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Invocation, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.items[t.order[i]].clone())
	}
	return out
}

// Len returns the number of retained invocations.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Sweep applies the retention bounds without waiting for the next Record.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	t.evictLocked("")
	t.mu.Unlock()
}

func evictable(inv *Invocation) bool {
	return inv.Status.Terminal() || inv.Detached
}

// evictLocked drops expired entries, then the oldest evictable ones while
// over capacity. keep is never dropped.
func (t *Tracker) evictLocked(keep string) {
	now := t.opts.now()
	drop := map[string]struct{}{}
	if t.opts.MaxAge > 0 {
		for _, id := range t.order {
			inv := t.items[id]
			if id != keep && evictable(inv) && now.Sub(inv.StartedAt) > t.opts.MaxAge {
				drop[id] = struct{}{}
			}
		}
	}
	if t.opts.Capacity > 0 {
		excess := len(t.items) - len(drop) - t.opts.Capacity
		for _, id := range t.order {
			if excess <= 0 {
				break
			}
			if _, gone := drop[id]; gone || id == keep {
				continue
			}
			if evictable(t.items[id]) {
				drop[id] = struct{}{}
				excess--
			}
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if _, gone := drop[id]; gone {
			delete(t.items, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

func (t *Tracker) archive(inv Invocation) {
	if t.opts.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ArchiveTimeout)
	defer cancel()
	if err := t.opts.Archive.Store(ctx, inv); err != nil {
		log.Error().Err(err).Str("invocation", inv.ID).Msg("failed to archive invocation")
	}
}

// Archives fans one invocation out to several archives.
type Archives []Archive

func (as Archives) Store(ctx context.Context, inv Invocation) error {
	var firstErr error
	for _, a := range as {
		if err := a.Store(ctx, inv); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Load asks every archive that can read back, in order, and returns the
// first hit.
func (as Archives) Load(ctx context.Context, id string) (Invocation, bool, error) {
	var firstErr error
	for _, a := range as {
		l, ok := a.(Loader)
		if !ok {
			continue
		}
		inv, found, err := l.Load(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if found {
			return inv, true, nil
		}
	}
	return Invocation{}, false, firstErr
}
