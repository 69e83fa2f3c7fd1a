package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qman/qman/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// The in-memory database lives per connection.
	db.SetMaxOpenConns(1)

	store := NewStore(db, DialectSQLite)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func record(id string, uid int, size int64) domain.AttributionRecord {
	return domain.AttributionRecord{
		ResourceID:  id,
		Kind:        domain.KindContainer,
		OwnerUID:    uid,
		OwnerName:   "alice",
		SizeBytes:   size,
		FirstSeenAt: time.Unix(1000, 0).UTC(),
		Source:      domain.SourceCorrelation,
	}
}

func TestStoreCorrelationFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertFromCorrelation(ctx, record("c1", 1001, 100)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	got, err := s.UpsertFromCorrelation(ctx, record("c1", 1002, 200))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if got.OwnerUID != 1001 {
		t.Fatalf("second writer won: %+v", got)
	}
}

func TestStoreLabelReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertFromCorrelation(ctx, record("c1", 1001, 100)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	labeled := record("c1", 1002, 150)
	labeled.Source = domain.SourceLabel
	if _, err := s.UpsertFromLabel(ctx, labeled); err != nil {
		t.Fatalf("label upsert: %v", err)
	}

	got, err := s.Get(ctx, domain.KindContainer, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OwnerUID != 1002 || got.Source != domain.SourceLabel {
		t.Fatalf("label did not replace: %+v", got)
	}
}

func TestStoreUpdateSizeAndSums(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpdateSize(ctx, domain.KindContainer, "missing", 1); !errors.Is(err, domain.ErrNotAttributed) {
		t.Fatalf("expected ErrNotAttributed, got %v", err)
	}
	if _, err := s.UpsertFromCorrelation(ctx, record("c1", 1001, 100)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertFromCorrelation(ctx, record("c2", 1001, 50)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpdateSize(ctx, domain.KindContainer, "c1", 300); err != nil {
		t.Fatalf("update size: %v", err)
	}

	sums, err := s.SumByOwner(ctx, domain.KindContainer)
	if err != nil {
		t.Fatalf("sum by owner: %v", err)
	}
	if sums[1001] != 350 {
		t.Fatalf("sum = %d, want 350", sums[1001])
	}
}

func TestStoreReconcile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"live", "dead"} {
		if _, err := s.UpsertFromCorrelation(ctx, record(id, 1001, 10)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	n, err := s.Reconcile(ctx, domain.KindContainer, map[string]struct{}{"live": {}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := s.Get(ctx, domain.KindContainer, "dead"); !errors.Is(err, domain.ErrNotAttributed) {
		t.Fatalf("dead record survived: %v", err)
	}
}

func TestStoreLimitsRoundTripInBlocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	limit := domain.QuotaLimit{UID: 1001, HardLimitBytes: 2048 * 1024, SoftLimitBytes: 1024 * 1024}
	if err := s.SetLimit(ctx, limit); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	got, err := s.Limit(ctx, 1001)
	if err != nil {
		t.Fatalf("get limit: %v", err)
	}
	if got.HardLimitBytes != limit.HardLimitBytes || got.SoftLimitBytes != limit.SoftLimitBytes {
		t.Fatalf("limit round trip changed values: %+v", got)
	}

	// Unconfigured user reads as unlimited.
	none, err := s.Limit(ctx, 4242)
	if err != nil {
		t.Fatalf("get missing limit: %v", err)
	}
	if !none.Unlimited() {
		t.Fatalf("missing limit should be unlimited: %+v", none)
	}

	all, err := s.Limits(ctx)
	if err != nil {
		t.Fatalf("list limits: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("limits = %v, want one entry", all)
	}
}

func TestStoreCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cur, err := s.GetCursor(ctx, "runtime_event_cursor")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cur != 0 {
		t.Fatalf("fresh cursor = %d, want 0", cur)
	}
	if err := s.SetCursor(ctx, "runtime_event_cursor", 12345); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := s.SetCursor(ctx, "runtime_event_cursor", 67890); err != nil {
		t.Fatalf("overwrite cursor: %v", err)
	}
	cur, err = s.GetCursor(ctx, "runtime_event_cursor")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cur != 67890 {
		t.Fatalf("cursor = %d, want 67890", cur)
	}
}
