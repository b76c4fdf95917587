// Package sqlitestore persists consultations and daily usage in a local
// SQLite database. It backs the standalone server and local development.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"council-agent/internal/domain"
	"council-agent/internal/quota"
)

const createdAtKeyLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlitestore: path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// One writer keeps the conditional quota upsert serialized.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS consultations (
			user_id TEXT NOT NULL,
			consultation_id TEXT NOT NULL,
			question TEXT NOT NULL DEFAULT '',
			rounds TEXT NOT NULL DEFAULT '[]',
			resolution TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			created_at_key TEXT NOT NULL,
			PRIMARY KEY(user_id, consultation_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consultations_created ON consultations(user_id, created_at_key DESC);`,
		`CREATE TABLE IF NOT EXISTS daily_usage (
			user_id TEXT NOT NULL,
			date_key TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY(user_id, date_key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlitestore: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutConsultation inserts or replaces a consultation owned by userID.
func (s *Store) PutConsultation(ctx context.Context, userID string, rec domain.Consultation) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(rec.ID) == "" {
		return errors.New("sqlitestore: PutConsultation: user id and consultation id are required")
	}
	rounds, err := json.Marshal(rec.Rounds)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode rounds: %w", err)
	}
	resolution, err := json.Marshal(rec.Resolution)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode resolution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consultations(user_id, consultation_id, question, rounds, resolution, created_at, created_at_key)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, consultation_id) DO UPDATE SET
			question = excluded.question,
			rounds = excluded.rounds,
			resolution = excluded.resolution,
			created_at = excluded.created_at,
			created_at_key = excluded.created_at_key`,
		userID, rec.ID, rec.Question, string(rounds), string(resolution),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.CreatedAt.UTC().Format(createdAtKeyLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: PutConsultation: %w", err)
	}
	return nil
}

// GetConsultation returns domain.ErrNotFound when no row matches.
func (s *Store) GetConsultation(ctx context.Context, userID, id string) (domain.Consultation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT consultation_id, question, rounds, resolution, created_at
		FROM consultations WHERE user_id = ? AND consultation_id = ?`, userID, id)
	rec, err := scanConsultation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Consultation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("sqlitestore: GetConsultation: %w", err)
	}
	return rec, nil
}

// ListConsultations returns the user's consultations newest first.
func (s *Store) ListConsultations(ctx context.Context, userID string, limit, offset int) ([]domain.Consultation, error) {
	if limit <= 0 {
		return []domain.Consultation{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT consultation_id, question, rounds, resolution, created_at
		FROM consultations WHERE user_id = ?
		ORDER BY created_at_key DESC, consultation_id DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: ListConsultations: %w", err)
	}
	defer rows.Close()

	recs := []domain.Consultation{}
	for rows.Next() {
		rec, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: ListConsultations scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: ListConsultations: %w", err)
	}
	return recs, nil
}

// DeleteConsultation is idempotent.
func (s *Store) DeleteConsultation(ctx context.Context, userID, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM consultations WHERE user_id = ? AND consultation_id = ?`, userID, id); err != nil {
		return fmt.Errorf("sqlitestore: DeleteConsultation: %w", err)
	}
	return nil
}

// IncrementBelow implements quota.Counter. The upsert only updates when the
// stored count is below limit, so the check and the increment are one statement.
func (s *Store) IncrementBelow(ctx context.Context, userID, dateKey string, limit int, now time.Time) (int, error) {
	if limit <= 0 {
		return 0, quota.ErrLimitReached
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_usage(user_id, date_key, count, updated_at)
		VALUES(?, ?, 1, ?)
		ON CONFLICT(user_id, date_key) DO UPDATE SET
			count = daily_usage.count + 1,
			updated_at = excluded.updated_at
		WHERE daily_usage.count < ?
		RETURNING count`,
		userID, dateKey, now.UTC().Format(time.RFC3339Nano), limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, quota.ErrLimitReached
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: IncrementBelow: %w", err)
	}
	return count, nil
}

// GetDailyUsage reads a usage row. A missing row reads as a zero count.
func (s *Store) GetDailyUsage(ctx context.Context, userID, dateKey string) (domain.DailyUsage, error) {
	usage := domain.DailyUsage{UserID: userID, DateKey: dateKey}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT count, updated_at FROM daily_usage WHERE user_id = ? AND date_key = ?`,
		userID, dateKey).Scan(&usage.Count, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return usage, fmt.Errorf("sqlitestore: GetDailyUsage: %w", err)
	}
	usage.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return usage, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConsultation(row scanner) (domain.Consultation, error) {
	var (
		rec                           domain.Consultation
		rounds, resolution, createdAt string
	)
	if err := row.Scan(&rec.ID, &rec.Question, &rounds, &resolution, &createdAt); err != nil {
		return domain.Consultation{}, err
	}
	if err := json.Unmarshal([]byte(rounds), &rec.Rounds); err != nil {
		return domain.Consultation{}, fmt.Errorf("decode rounds: %w", err)
	}
	if rec.Rounds == nil {
		rec.Rounds = []domain.Round{}
	}
	if err := json.Unmarshal([]byte(resolution), &rec.Resolution); err != nil {
		return domain.Consultation{}, fmt.Errorf("decode resolution: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t
	return rec, nil
}
