package playback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/bardic/pkg/audio"
)

// Mode is the playback mode of a tenant. Exactly one mode is active at a time
// and it only changes under the tenant lock.
type Mode int

const (
	// ModeIdle means nothing is queued or playing.
	ModeIdle Mode = iota
	// ModeQueue means the scheduler consumes the queue.
	ModeQueue
	// ModeSingleSound means a play-now sound preempts the queue.
	ModeSingleSound
)

// String returns the snake_case mode name.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeQueue:
		return "queue"
	case ModeSingleSound:
		return "single_sound"
	default:
		return "unknown"
	}
}

// playing is the item currently handed to the transport. Its identity is
// what completion callbacks compare against to detect staleness.
type playing struct {
	sound   Sound
	item    Item // nil for buffers and play-now clips
	src     audio.Source
	preempt bool
	started time.Time
}

// tenant is the playback state of one guild. Every field except id and lock
// is guarded by lock.
type tenant struct {
	id   string
	lock chan struct{}

	conn    audio.Connection
	queue   Queue
	mode    Mode
	restore Mode
	current *playing
	idle    idleTimer
	stay    bool
}

func newTenant(id string) *tenant {
	return &tenant{id: id, lock: make(chan struct{}, 1)}
}

// acquire takes the tenant lock, giving up after timeout or when ctx ends.
func (t *tenant) acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		select {
		case t.lock <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tenant) release() { <-t.lock }

// connected reports whether the tenant holds a live transport.
func (t *tenant) connected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

// TenantStore maps guild IDs to their playback state. Tenants are created on
// first use and never removed; a dormant tenant is just an empty struct.
//
// TenantStore is safe for concurrent use.
type TenantStore struct {
	mu      sync.Mutex
	tenants map[string]*tenant
}

// NewTenantStore returns an empty store.
func NewTenantStore() *TenantStore {
	return &TenantStore{tenants: make(map[string]*tenant)}
}

// get returns the tenant for id, creating it if needed.
func (s *TenantStore) get(id string) *tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		t = newTenant(id)
		s.tenants[id] = t
	}
	return t
}

// lookup returns the tenant for id without creating it.
func (s *TenantStore) lookup(id string) (*tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	return t, ok
}

// all returns every tenant ordered by guild ID.
func (s *TenantStore) all() []*tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// IDs returns the guild IDs of all known tenants in sorted order.
func (s *TenantStore) IDs() []string {
	ts := s.all()
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.id
	}
	return ids
}
