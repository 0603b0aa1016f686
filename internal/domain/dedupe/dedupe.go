// Package dedupe keeps at most one pipeline in flight per asset.
package dedupe

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper tracks which asset ids currently have a pipeline running.
type Deduper interface {
	// Acquire marks id as in flight. It returns ErrInFlight when id is
	// already held and ErrCapacity when the guard is full.
	Acquire(ctx context.Context, id string) error

	// Release clears id so it can be acquired again. Releasing an id that
	// is not held is a no-op.
	Release(ctx context.Context, id string)

	// InFlight reports whether id is held.
	InFlight(id string) bool

	// Held lists the held ids, oldest first.
	Held() []Entry

	Size() int64
}

// Entry is one held id.
type Entry struct {
	ID    string    `json:"asset_id"`
	Since time.Time `json:"since"`
}

type inMemoryDeduper struct {
	mu      sync.Mutex
	held    map[string]time.Time
	maxSize int
	size    atomic.Int64
	now     func() time.Time
}

// NewInMemoryDeduper creates an in-memory guard.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: 1024,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.held = make(map[string]time.Time)
	return d
}

func (d *inMemoryDeduper) Acquire(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.held[id]; ok {
		return ErrInFlight
	}
	if d.maxSize > 0 && len(d.held) >= d.maxSize {
		return ErrCapacity
	}
	d.held[id] = d.now()
	d.size.Add(1)
	return nil
}

func (d *inMemoryDeduper) Release(ctx context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.held[id]; ok {
		delete(d.held, id)
		d.size.Add(-1)
	}
}

func (d *inMemoryDeduper) InFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.held[id]
	return ok
}

func (d *inMemoryDeduper) Held() []Entry {
	d.mu.Lock()
	out := make([]Entry, 0, len(d.held))
	for id, since := range d.held {
		out = append(out, Entry{ID: id, Since: since})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID < out[j].ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Size returns the number of held ids.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
