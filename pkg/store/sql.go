// Package store provides persistent plan.Storage backends.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

// Dialect captures the differences between the SQL engines SQLStore runs on.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	}
	return "unknown"
}

// rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
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

func (d Dialect) schema() string {
	completed := "BOOLEAN NOT NULL DEFAULT FALSE"
	record := "JSONB NOT NULL"
	if d == SQLite {
		completed = "INTEGER NOT NULL DEFAULT 0"
		record = "TEXT NOT NULL"
	}
	return `
CREATE TABLE IF NOT EXISTS plans (
	owner        TEXT    NOT NULL,
	plan_id      BIGINT  NOT NULL,
	version      BIGINT  NOT NULL,
	is_completed ` + completed + `,
	record       ` + record + `,
	updated_at   BIGINT  NOT NULL,
	PRIMARY KEY (owner, plan_id)
)`
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// SQLStore implements plan.Storage over database/sql.
// The full record is stored as JSON; owner, id, version and completion are columns.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore creates a store over db and ensures the plans table exists.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("migrate plans (%s): %w", s.dialect, err)
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, p *plan.Plan) error {
	record, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	query := s.dialect.rebind(`
		INSERT INTO plans (owner, plan_id, version, is_completed, record, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (owner, plan_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		string(p.Owner), int64(p.ID), p.IsCompleted, string(record), s.now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return plan.ErrDuplicate
		}
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	if n == 0 {
		return plan.ErrDuplicate
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key plan.Key) (*plan.Plan, int64, error) {
	query := s.dialect.rebind(`SELECT version, record FROM plans WHERE owner = ? AND plan_id = ?`)
	var version int64
	var record string
	err := s.db.QueryRowContext(ctx, query, string(key.Owner), int64(key.ID)).Scan(&version, &record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, plan.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get plan: %w", err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(record), &p); err != nil {
		return nil, 0, fmt.Errorf("decode plan %s: %w", key, err)
	}
	if p.Attestations == nil {
		p.Attestations = []plan.Attestation{}
	}
	return &p, version, nil
}

func (s *SQLStore) Update(ctx context.Context, p *plan.Plan, expected int64) error {
	record, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	query := s.dialect.rebind(`
		UPDATE plans SET version = version + 1, is_completed = ?, record = ?, updated_at = ?
		WHERE owner = ? AND plan_id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query,
		p.IsCompleted, string(record), s.now().Unix(), string(p.Owner), int64(p.ID), expected)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either the record is gone or another writer moved its version.
	var exists int
	err = s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT 1 FROM plans WHERE owner = ? AND plan_id = ?`),
		string(p.Owner), int64(p.ID),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check plan: %w", err)
	}
	return plan.ErrConflict
}

// ListByOwner returns up to limit of the owner's plans ordered by id. A limit <= 0
// returns them all.
// Ordering happens after the scan: plan_id holds the id reinterpreted as int64, so the
// column order differs from the uint64 order above MaxInt64.
func (s *SQLStore) ListByOwner(ctx context.Context, owner plan.Identity, limit int) ([]*plan.Plan, error) {
	query := s.dialect.rebind(`SELECT record FROM plans WHERE owner = ?`)
	rows, err := s.db.QueryContext(ctx, query, string(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []*plan.Plan
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var p plan.Plan
		if err := json.Unmarshal([]byte(record), &p); err != nil {
			return nil, fmt.Errorf("decode plan: %w", err)
		}
		if p.Attestations == nil {
			p.Attestations = []plan.Attestation{}
		}
		plans = append(plans, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	if limit > 0 && len(plans) > limit {
		plans = plans[:limit]
	}
	return plans, nil
}
