package ports

import (
	"context"
	"time"

	"github.com/qman/qman/internal/domain"
)

// AuditSource exposes security-audit records for the runtime control
// surface. An absent or misconfigured audit subsystem yields an empty
// list, never an error that aborts a cycle.
type AuditSource interface {
	// Query returns records matching the tags (control-socket access,
	// client-binary execution) observed within the trailing window.
	Query(ctx context.Context, tags []string, since time.Duration) ([]domain.AuditRecord, error)

	// Check returns a human-readable diagnosis of the audit subsystem
	// (tool availability, rules installed). Used at startup and for
	// troubleshooting; failures are informational.
	Check(ctx context.Context) AuditStatus
}

// AuditStatus is the audit subsystem diagnosis.
type AuditStatus struct {
	ToolAvailable bool
	RulesFound    []string
	Errors        []string
}

// RuntimeInventory exposes the current resource inventory with sizes.
type RuntimeInventory interface {
	// Inventory returns a point-in-time view of containers, images with
	// their layers, and volumes.
	Inventory(ctx context.Context) (domain.Inventory, error)
}

// RuntimeEvents exposes the runtime lifecycle event stream. Streaming
// is unbounded by nature, so collection is always limited by both a
// wall-clock budget and a maximum event count.
type RuntimeEvents interface {
	// CollectSince returns events after the cursor (unix nanoseconds)
	// and the new cursor value to persist.
	CollectSince(ctx context.Context, cursorNano int64, maxWait time.Duration, maxCount int) ([]domain.RuntimeEvent, int64, error)
}

// RuntimeControl is the narrow mutation surface enforcement needs.
// Both calls are idempotent: acting on an already-stopped or removed
// container is not an error.
type RuntimeControl interface {
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
}

// EventSink receives structured notification events for delivery
// outside the core. Fire-and-forget: delivery failures are logged by
// the implementation, never retried by callers.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event) error
}

// UserDirectory resolves host users. The zero-value fallbacks ("user_N"
// for an unknown uid) keep attribution usable on hosts with incomplete
// passwd data.
type UserDirectory interface {
	// NameForUID returns the username for uid, or "user_<uid>" when the
	// uid is unknown to the host.
	NameForUID(uid int) string

	// UIDForName returns the uid for a username.
	UIDForName(name string) (int, bool)
}
