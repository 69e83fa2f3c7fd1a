package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/qman/qman/internal/domain"
)

// Limits are stored in 1K blocks, matching the quota records of the
// rest of the system; the port converts to bytes at the boundary.

func (s *Store) Limit(ctx context.Context, uid int) (domain.QuotaLimit, error) {
	query := s.rebind(`SELECT block_hard_limit, block_soft_limit FROM user_quota_limits WHERE uid = ?`)
	var hard1k, soft1k int64
	err := s.db.QueryRowContext(ctx, query, uid).Scan(&hard1k, &soft1k)
	if err == sql.ErrNoRows {
		return domain.QuotaLimit{UID: uid}, nil
	}
	if err != nil {
		return domain.QuotaLimit{}, fmt.Errorf("get quota limit: %w", err)
	}
	return domain.QuotaLimit{UID: uid, HardLimitBytes: hard1k * 1024, SoftLimitBytes: soft1k * 1024}, nil
}

func (s *Store) Limits(ctx context.Context) (map[int]domain.QuotaLimit, error) {
	query := `SELECT uid, block_hard_limit, block_soft_limit FROM user_quota_limits WHERE block_hard_limit > 0`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list quota limits: %w", err)
	}
	defer rows.Close()

	out := make(map[int]domain.QuotaLimit)
	for rows.Next() {
		var uid int
		var hard1k, soft1k int64
		if err := rows.Scan(&uid, &hard1k, &soft1k); err != nil {
			return nil, fmt.Errorf("scan quota limit: %w", err)
		}
		out[uid] = domain.QuotaLimit{UID: uid, HardLimitBytes: hard1k * 1024, SoftLimitBytes: soft1k * 1024}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota limits: %w", err)
	}
	return out, nil
}

func (s *Store) SetLimit(ctx context.Context, limit domain.QuotaLimit) error {
	query := s.rebind(`
		INSERT INTO user_quota_limits (uid, block_hard_limit, block_soft_limit)
		VALUES (?, ?, ?)
		ON CONFLICT (uid) DO UPDATE SET
			block_hard_limit = excluded.block_hard_limit,
			block_soft_limit = excluded.block_soft_limit
	`)
	_, err := s.db.ExecContext(ctx, query, limit.UID, limit.HardLimitBytes/1024, limit.SoftLimitBytes/1024)
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	return nil
}

// Cursor persistence uses the settings table, keyed the way the rest
// of the system keys one-off state.

func (s *Store) GetCursor(ctx context.Context, key string) (int64, error) {
	query := s.rebind(`SELECT value FROM settings WHERE key = ?`)
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor: %w", err)
	}
	nano, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", value, err)
	}
	return nano, nil
}

func (s *Store) SetCursor(ctx context.Context, key string, unixNano int64) error {
	query := s.rebind(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`)
	if _, err := s.db.ExecContext(ctx, query, key, strconv.FormatInt(unixNano, 10)); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
