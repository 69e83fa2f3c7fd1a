package memory

import (
	"context"
	"sync"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// CursorStore keeps event cursors in memory.
type CursorStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewCursorStore creates an empty cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]int64)}
}

var _ ports.CursorStore = (*CursorStore)(nil)

func (s *CursorStore) GetCursor(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[key], nil
}

func (s *CursorStore) SetCursor(ctx context.Context, key string, unixNano int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = unixNano
	return nil
}

// LimitStore keeps quota limits in memory.
type LimitStore struct {
	mu     sync.Mutex
	limits map[int]domain.QuotaLimit
}

// NewLimitStore creates an empty limit store.
func NewLimitStore() *LimitStore {
	return &LimitStore{limits: make(map[int]domain.QuotaLimit)}
}

var _ ports.LimitStore = (*LimitStore)(nil)

func (s *LimitStore) Limit(ctx context.Context, uid int) (domain.QuotaLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limits[uid]; ok {
		return l, nil
	}
	// Same contract as the database store: an unconfigured user gets an
	// unlimited quota carrying their uid.
	return domain.QuotaLimit{UID: uid}, nil
}

func (s *LimitStore) Limits(ctx context.Context) (map[int]domain.QuotaLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]domain.QuotaLimit, len(s.limits))
	for uid, l := range s.limits {
		if l.HardLimitBytes > 0 {
			out[uid] = l
		}
	}
	return out, nil
}

func (s *LimitStore) SetLimit(ctx context.Context, limit domain.QuotaLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[limit.UID] = limit
	return nil
}
