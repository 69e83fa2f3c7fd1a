// Package persistence implements the attribution ledger, quota-limit,
// and cursor stores on database/sql. The same store runs against
// PostgreSQL (lib/pq) and SQLite (mattn/go-sqlite3); queries are
// written with ? placeholders and rebound for the active driver.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// Dialect selects placeholder binding for the active driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// Store implements AttributionLedger, LimitStore, and CursorStore on
// one SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

var (
	_ ports.AttributionLedger = (*Store)(nil)
	_ ports.LimitStore        = (*Store)(nil)
	_ ports.CursorStore       = (*Store)(nil)
)

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range SchemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UpsertFromCorrelation inserts with ON CONFLICT DO NOTHING, then
// reads back. The conditional insert is the compare-and-set that makes
// concurrent correlation paths resolve to one first writer without a
// table lock.
func (s *Store) UpsertFromCorrelation(ctx context.Context, rec domain.AttributionRecord) (domain.AttributionRecord, error) {
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO attributions (kind, resource_id, owner_uid, owner_name, size_bytes, first_seen_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, resource_id) DO NOTHING
	`)
	_, err := s.db.ExecContext(ctx, query,
		string(rec.Kind), rec.ResourceID, rec.OwnerUID, rec.OwnerName,
		rec.SizeBytes, rec.FirstSeenAt, string(domain.SourceCorrelation),
	)
	if err != nil {
		return domain.AttributionRecord{}, fmt.Errorf("upsert attribution: %w", err)
	}
	return s.Get(ctx, rec.Kind, rec.ResourceID)
}

// UpsertFromLabel always takes ownership: labels are authoritative and
// may reassign a resource.
func (s *Store) UpsertFromLabel(ctx context.Context, rec domain.AttributionRecord) (domain.AttributionRecord, error) {
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO attributions (kind, resource_id, owner_uid, owner_name, size_bytes, first_seen_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, resource_id) DO UPDATE SET
			owner_uid = excluded.owner_uid,
			owner_name = excluded.owner_name,
			size_bytes = excluded.size_bytes,
			source = excluded.source
	`)
	_, err := s.db.ExecContext(ctx, query,
		string(rec.Kind), rec.ResourceID, rec.OwnerUID, rec.OwnerName,
		rec.SizeBytes, rec.FirstSeenAt, string(domain.SourceLabel),
	)
	if err != nil {
		return domain.AttributionRecord{}, fmt.Errorf("upsert label attribution: %w", err)
	}
	return s.Get(ctx, rec.Kind, rec.ResourceID)
}

func (s *Store) UpdateSize(ctx context.Context, kind domain.ResourceKind, resourceID string, sizeBytes int64) error {
	query := s.rebind(`UPDATE attributions SET size_bytes = ? WHERE kind = ? AND resource_id = ?`)
	res, err := s.db.ExecContext(ctx, query, sizeBytes, string(kind), resourceID)
	if err != nil {
		return fmt.Errorf("update attribution size: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update attribution size: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotAttributed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, kind domain.ResourceKind, resourceID string) (domain.AttributionRecord, error) {
	query := s.rebind(`
		SELECT kind, resource_id, owner_uid, owner_name, size_bytes, first_seen_at, source
		FROM attributions WHERE kind = ? AND resource_id = ?
	`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, string(kind), resourceID))
	if err == sql.ErrNoRows {
		return domain.AttributionRecord{}, domain.ErrNotAttributed
	}
	if err != nil {
		return domain.AttributionRecord{}, fmt.Errorf("get attribution: %w", err)
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, kind domain.ResourceKind) ([]domain.AttributionRecord, error) {
	query := s.rebind(`
		SELECT kind, resource_id, owner_uid, owner_name, size_bytes, first_seen_at, source
		FROM attributions WHERE kind = ?
	`)
	return s.queryRecords(ctx, query, string(kind))
}

func (s *Store) RecordsByOwner(ctx context.Context, kind domain.ResourceKind, uid int) ([]domain.AttributionRecord, error) {
	query := s.rebind(`
		SELECT kind, resource_id, owner_uid, owner_name, size_bytes, first_seen_at, source
		FROM attributions WHERE kind = ? AND owner_uid = ?
	`)
	return s.queryRecords(ctx, query, string(kind), uid)
}

func (s *Store) Delete(ctx context.Context, kind domain.ResourceKind, resourceID string) error {
	query := s.rebind(`DELETE FROM attributions WHERE kind = ? AND resource_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(kind), resourceID); err != nil {
		return fmt.Errorf("delete attribution: %w", err)
	}
	return nil
}

func (s *Store) Reconcile(ctx context.Context, kind domain.ResourceKind, live map[string]struct{}) (int, error) {
	recs, err := s.List(ctx, kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if _, ok := live[rec.ResourceID]; ok {
			continue
		}
		if err := s.Delete(ctx, kind, rec.ResourceID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) SumByOwner(ctx context.Context, kind domain.ResourceKind) (map[int]int64, error) {
	query := s.rebind(`
		SELECT owner_uid, COALESCE(SUM(size_bytes), 0)
		FROM attributions WHERE kind = ? GROUP BY owner_uid
	`)
	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("sum attributions by owner: %w", err)
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var uid int
		var total int64
		if err := rows.Scan(&uid, &total); err != nil {
			return nil, fmt.Errorf("scan owner sum: %w", err)
		}
		out[uid] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owner sums: %w", err)
	}
	return out, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]domain.AttributionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attributions: %w", err)
	}
	defer rows.Close()

	var out []domain.AttributionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (domain.AttributionRecord, error) {
	var rec domain.AttributionRecord
	var kind, source string
	if err := row.Scan(&kind, &rec.ResourceID, &rec.OwnerUID, &rec.OwnerName,
		&rec.SizeBytes, &rec.FirstSeenAt, &source); err != nil {
		return domain.AttributionRecord{}, err
	}
	rec.Kind = domain.ResourceKind(kind)
	rec.Source = domain.AttributionSource(source)
	return rec, nil
}
