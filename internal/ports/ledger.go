package ports

import (
	"context"

	"github.com/qman/qman/internal/domain"
)

// AttributionLedger is the durable ownership store. All mutation is
// per-resource atomic; concurrent upserts for the same resource must
// resolve deterministically (first writer wins for correlation, label
// always wins).
type AttributionLedger interface {
	// UpsertFromCorrelation records an inferred ownership. If a record
	// already exists for the resource, regardless of source, the call
	// is a no-op and returns the existing record unchanged.
	UpsertFromCorrelation(ctx context.Context, rec domain.AttributionRecord) (domain.AttributionRecord, error)

	// UpsertFromLabel records an explicit ownership override. It always
	// replaces any existing record for the resource.
	UpsertFromLabel(ctx context.Context, rec domain.AttributionRecord) (domain.AttributionRecord, error)

	// UpdateSize refreshes the size field without touching ownership.
	// Returns domain.ErrNotAttributed if no record exists.
	UpdateSize(ctx context.Context, kind domain.ResourceKind, resourceID string, sizeBytes int64) error

	// Get returns the record for one resource, or domain.ErrNotAttributed.
	Get(ctx context.Context, kind domain.ResourceKind, resourceID string) (domain.AttributionRecord, error)

	// List returns all records of one kind.
	List(ctx context.Context, kind domain.ResourceKind) ([]domain.AttributionRecord, error)

	// RecordsByOwner returns all records of one kind owned by uid.
	RecordsByOwner(ctx context.Context, kind domain.ResourceKind, uid int) ([]domain.AttributionRecord, error)

	// Delete removes the record for one resource. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, kind domain.ResourceKind, resourceID string) error

	// Reconcile deletes every record of the kind whose resource ID is
	// not in live. Returns the number of records removed.
	Reconcile(ctx context.Context, kind domain.ResourceKind, live map[string]struct{}) (int, error)

	// SumByOwner returns attributed bytes of one kind grouped by uid.
	SumByOwner(ctx context.Context, kind domain.ResourceKind) (map[int]int64, error)
}

// CursorStore persists the runtime-event consumption cursor so a sync
// cycle only re-requests events after the previous cycle, across
// restarts and workers.
type CursorStore interface {
	// GetCursor returns the stored cursor in unix nanoseconds, or 0 if
	// none has been stored yet.
	GetCursor(ctx context.Context, key string) (int64, error)

	// SetCursor stores the cursor. Callers advance it only after the
	// cycle's attributions have been durably written.
	SetCursor(ctx context.Context, key string, unixNano int64) error
}

// LimitSource supplies configured per-user limits. A hard limit of 0
// means no limit configured.
type LimitSource interface {
	// Limit returns the configured limit for uid (zero value when none
	// is set).
	Limit(ctx context.Context, uid int) (domain.QuotaLimit, error)

	// Limits returns every user with a configured hard limit > 0.
	Limits(ctx context.Context) (map[int]domain.QuotaLimit, error)
}

// LimitStore extends LimitSource with the write path used by the
// administrative API.
type LimitStore interface {
	LimitSource

	// SetLimit creates or replaces the limit for a user.
	SetLimit(ctx context.Context, limit domain.QuotaLimit) error
}
