package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS book_audit (
	id           BIGSERIAL PRIMARY KEY,
	condition_id TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	detail       JSONB       NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS book_audit_condition_idx ON book_audit (condition_id, recorded_at DESC)`

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// PostgresStore writes entries to the book_audit table.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

func NewPostgresStore(db *sql.DB, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{db: db, log: log}
}

// Migrate creates the audit table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate book_audit: %w", err)
	}
	return nil
}

// Record inserts one entry. A zero At is stamped with the current time.
func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode %s detail for %s: %w", e.Kind, e.ConditionID, err)
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO book_audit (condition_id, kind, detail, recorded_at)
		VALUES ($1, $2, $3, $4)`,
		e.ConditionID, string(e.Kind), detail, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s for %s: %w", e.Kind, e.ConditionID, err)
	}
	s.log.Debug("audit recorded", zap.String("condition_id", e.ConditionID), zap.String("kind", string(e.Kind)))
	return nil
}

// Recent returns up to limit entries for a market, newest first.
func (s *PostgresStore) Recent(ctx context.Context, conditionID string, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, condition_id, kind, detail, recorded_at
		FROM book_audit
		WHERE condition_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`,
		conditionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r    Row
			kind string
		)
		if err := rows.Scan(&r.ID, &r.ConditionID, &kind, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		r.Kind = Kind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
