package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// Runtime is an in-memory runtime: a mutable inventory, an event
// queue, and a control surface that mutates the inventory the way the
// real runtime would. It backs mock mode and the scheduler tests.
type Runtime struct {
	mu       sync.Mutex
	inv      domain.Inventory
	events   []domain.RuntimeEvent
	stopped  map[string]bool
	FailStop map[string]bool // container IDs whose stop call fails
}

// NewRuntime creates a runtime with the given starting inventory.
func NewRuntime(inv domain.Inventory) *Runtime {
	if inv.DataRoot == "" {
		inv.DataRoot = "/var/lib/docker"
	}
	return &Runtime{inv: inv, stopped: make(map[string]bool), FailStop: make(map[string]bool)}
}

var (
	_ ports.RuntimeInventory = (*Runtime)(nil)
	_ ports.RuntimeEvents    = (*Runtime)(nil)
	_ ports.RuntimeControl   = (*Runtime)(nil)
)

func (r *Runtime) Inventory(ctx context.Context) (domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.inv
	out.Containers = append([]domain.Container(nil), r.inv.Containers...)
	out.Images = append([]domain.Image(nil), r.inv.Images...)
	out.Volumes = append([]domain.Volume(nil), r.inv.Volumes...)
	return out, nil
}

func (r *Runtime) CollectSince(ctx context.Context, cursorNano int64, maxWait time.Duration, maxCount int) ([]domain.RuntimeEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newCursor := cursorNano
	var out []domain.RuntimeEvent
	for _, ev := range r.events {
		if ev.TimestampNano <= cursorNano {
			continue
		}
		out = append(out, ev)
		if ev.TimestampNano > newCursor {
			newCursor = ev.TimestampNano
		}
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out, newCursor, nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailStop[id] {
		return errors.New("stop failed")
	}
	r.stopped[id] = true
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.inv.Containers {
		if c.ID == id {
			r.inv.Containers = append(r.inv.Containers[:i], r.inv.Containers[i+1:]...)
			break
		}
	}
	// Removing an unknown container is not an error; the call is
	// idempotent like the real API with force.
	return nil
}

// PushEvent appends an event to the stream.
func (r *Runtime) PushEvent(ev domain.RuntimeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Stopped reports whether a container was stopped through the control
// surface.
func (r *Runtime) Stopped(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[id]
}

// Sink records emitted events for assertions and mock mode.
type Sink struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewSink creates an empty recording sink.
func NewSink() *Sink { return &Sink{} }

var _ ports.EventSink = (*Sink)(nil)

func (s *Sink) Emit(ctx context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *Sink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// Users is a fixed-table user directory for tests and mock mode.
type Users map[int]string

var _ ports.UserDirectory = Users(nil)

func (u Users) NameForUID(uid int) string {
	if name, ok := u[uid]; ok {
		return name
	}
	return domainFallbackName(uid)
}

func (u Users) UIDForName(name string) (int, bool) {
	for uid, n := range u {
		if n == name {
			return uid, true
		}
	}
	return 0, false
}

func domainFallbackName(uid int) string {
	return "user_" + strconv.Itoa(uid)
}
