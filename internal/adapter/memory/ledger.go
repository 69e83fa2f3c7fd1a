// Package memory provides in-memory implementations of the ledger,
// cursor, and limit stores. They back mock mode and tests; semantics
// match the database-backed stores, including the first-writer-wins
// upsert contract.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

type ledgerKey struct {
	kind domain.ResourceKind
	id   string
}

// Ledger is a mutex-guarded attribution ledger.
type Ledger struct {
	mu      sync.Mutex
	records map[ledgerKey]domain.AttributionRecord
	now     func() time.Time
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		records: make(map[ledgerKey]domain.AttributionRecord),
		now:     time.Now,
	}
}

var _ ports.AttributionLedger = (*Ledger)(nil)

// UpsertFromCorrelation writes the record only when no record exists
// for the resource; the check and write happen under one lock, so
// concurrent correlation paths resolve to a single first writer.
func (l *Ledger) UpsertFromCorrelation(ctx context.Context, rec domain.AttributionRecord) (domain.AttributionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{rec.Kind, rec.ResourceID}
	if existing, ok := l.records[key]; ok {
		return existing, nil
	}
	rec.Source = domain.SourceCorrelation
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = l.now()
	}
	l.records[key] = rec
	return rec, nil
}

// UpsertFromLabel always replaces: labels are authoritative.
func (l *Ledger) UpsertFromLabel(ctx context.Context, rec domain.AttributionRecord) (domain.AttributionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{rec.Kind, rec.ResourceID}
	rec.Source = domain.SourceLabel
	if existing, ok := l.records[key]; ok {
		rec.FirstSeenAt = existing.FirstSeenAt
	} else if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = l.now()
	}
	l.records[key] = rec
	return rec, nil
}

func (l *Ledger) UpdateSize(ctx context.Context, kind domain.ResourceKind, resourceID string, sizeBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{kind, resourceID}
	rec, ok := l.records[key]
	if !ok {
		return domain.ErrNotAttributed
	}
	rec.SizeBytes = sizeBytes
	l.records[key] = rec
	return nil
}

func (l *Ledger) Get(ctx context.Context, kind domain.ResourceKind, resourceID string) (domain.AttributionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[ledgerKey{kind, resourceID}]
	if !ok {
		return domain.AttributionRecord{}, domain.ErrNotAttributed
	}
	return rec, nil
}

func (l *Ledger) List(ctx context.Context, kind domain.ResourceKind) ([]domain.AttributionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.AttributionRecord
	for key, rec := range l.records {
		if key.kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *Ledger) RecordsByOwner(ctx context.Context, kind domain.ResourceKind, uid int) ([]domain.AttributionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.AttributionRecord
	for key, rec := range l.records {
		if key.kind == kind && rec.OwnerUID == uid {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *Ledger) Delete(ctx context.Context, kind domain.ResourceKind, resourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.records, ledgerKey{kind, resourceID})
	return nil
}

func (l *Ledger) Reconcile(ctx context.Context, kind domain.ResourceKind, live map[string]struct{}) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key := range l.records {
		if key.kind != kind {
			continue
		}
		if _, ok := live[key.id]; !ok {
			delete(l.records, key)
			removed++
		}
	}
	return removed, nil
}

func (l *Ledger) SumByOwner(ctx context.Context, kind domain.ResourceKind) (map[int]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]int64)
	for key, rec := range l.records {
		if key.kind == kind {
			out[rec.OwnerUID] += rec.SizeBytes
		}
	}
	return out, nil
}
