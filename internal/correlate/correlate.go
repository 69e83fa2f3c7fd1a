// Package correlate infers ownership of runtime resources by matching
// their timestamps against security-audit records. Everything in this
// package is pure: no I/O, no clock, no shared state.
package correlate

import (
	"time"

	"github.com/qman/qman/internal/domain"
)

// DefaultWindow is the maximum age difference between an audit record
// and a runtime event for them to be considered related.
const DefaultWindow = 120 * time.Second

// Correlate finds the single best ownership inference for an event at
// eventTime. Records may arrive in any order. The record with the
// smallest absolute time difference within the window wins; ties are
// broken by the earliest audit timestamp, then by the smallest uid,
// so identical inputs always yield the same owner regardless of
// ordering. Returns ok=false when no record survives the window
// filter.
func Correlate(eventTime time.Time, records []domain.AuditRecord, window time.Duration) (uid int, ok bool) {
	if window <= 0 {
		window = DefaultWindow
	}
	var (
		best      domain.AuditRecord
		bestDelta time.Duration
		found     bool
	)
	for _, rec := range records {
		delta := rec.Timestamp.Sub(eventTime)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		switch {
		case !found:
			best, bestDelta, found = rec, delta, true
		case delta < bestDelta:
			best, bestDelta = rec, delta
		case delta == bestDelta && rec.Timestamp.Before(best.Timestamp):
			best = rec
		case delta == bestDelta && rec.Timestamp.Equal(best.Timestamp) && rec.UID < best.UID:
			best = rec
		}
	}
	if !found {
		return 0, false
	}
	return best.UID, true
}
