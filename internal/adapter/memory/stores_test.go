package memory

import (
	"context"
	"testing"

	"github.com/qman/qman/internal/domain"
)

func TestLimitStoreUnconfiguredUserCarriesUID(t *testing.T) {
	ctx := context.Background()
	s := NewLimitStore()

	limit, err := s.Limit(ctx, 4242)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limit.UID != 4242 {
		t.Errorf("UID = %d, want 4242", limit.UID)
	}
	if !limit.Unlimited() {
		t.Error("unconfigured user must be unlimited")
	}
}

func TestLimitStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewLimitStore()

	want := domain.QuotaLimit{UID: 1001, HardLimitBytes: 1 << 20, SoftLimitBytes: 1 << 19}
	if err := s.SetLimit(ctx, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Limit(ctx, 1001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("limit = %+v, want %+v", got, want)
	}

	all, err := s.Limits(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 1 || all[1001] != want {
		t.Errorf("limits = %+v, want one entry for 1001", all)
	}
}
