package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stenoproject/stenod/internal/domain"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration for a single-host
// daemon with one writer and several readers.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// SqliteRepository implements Repository on an embedded SQLite database.
type SqliteRepository struct {
	db *sql.DB
}

var _ Repository = (*SqliteRepository)(nil)

// OpenSqlite opens (creating if necessary) the database at dbPath and applies
// pending migrations. Mandatory PRAGMAs ride on the DSN so they apply to
// every pooled connection: WAL journaling, busy timeout, and foreign keys.
func OpenSqlite(dbPath string, cfg Config) (*SqliteRepository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	r := &SqliteRepository{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration failed: %w", err)
	}
	return r, nil
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

// migrate is append-only: new versions add statements, they never rewrite or
// drop existing data.
func (r *SqliteRepository) migrate() error {
	var current int
	if err := r.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		locale TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		title TEXT,
		status TEXT NOT NULL CHECK (status IN ('active', 'completed')),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS segments (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		text TEXT NOT NULL CHECK (length(text) BETWEEN 1 AND 10000),
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		confidence REAL CHECK (confidence IS NULL OR (confidence >= 0.0 AND confidence <= 1.0)),
		sequence_number INTEGER NOT NULL CHECK (sequence_number >= 1),
		source TEXT NOT NULL CHECK (source IN ('microphone', 'systemAudio')),
		created_at TEXT NOT NULL,
		UNIQUE (session_id, sequence_number)
	);

	CREATE INDEX IF NOT EXISTS idx_segments_started ON segments(started_at);

	CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('rolling', 'final')),
		segment_range_start INTEGER NOT NULL,
		segment_range_end INTEGER NOT NULL CHECK (segment_range_end >= segment_range_start),
		model_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		summary TEXT NOT NULL,
		range_start INTEGER NOT NULL,
		range_end INTEGER NOT NULL CHECK (range_end >= range_start),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_topics_session ON topics(session_id, range_start);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Sessions ---

func (r *SqliteRepository) CreateSession(ctx context.Context, locale string) (domain.Session, error) {
	now := time.Now().UTC()
	sess := domain.Session{
		ID:        uuid.NewString(),
		Locale:    locale,
		StartedAt: now,
		Status:    domain.SessionActive,
		CreatedAt: now,
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, locale, started_at, ended_at, title, status, created_at)
		 VALUES (?, ?, ?, NULL, NULL, ?, ?)`,
		sess.ID, sess.Locale, encodeTime(sess.StartedAt), sess.Status, encodeTime(sess.CreatedAt),
	)
	if err != nil {
		return domain.Session{}, mapSqliteErr(err)
	}
	return sess, nil
}

func (r *SqliteRepository) EndSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ? AND status = ?`,
		encodeTime(time.Now().UTC()), domain.SessionCompleted, id, domain.SessionActive,
	)
	return mapSqliteErr(err)
}

func (r *SqliteRepository) SetSessionTitle(ctx context.Context, id, title string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	return mapSqliteErr(err)
}

func (r *SqliteRepository) Session(ctx context.Context, id string) (domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, locale, started_at, ended_at, title, status, created_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *SqliteRepository) AllSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, locale, started_at, ended_at, title, status, created_at
		 FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (r *SqliteRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return mapSqliteErr(err)
}

// --- Segments ---

func (r *SqliteRepository) SaveSegment(ctx context.Context, seg domain.Segment) error {
	if strings.TrimSpace(seg.Text) == "" {
		return fmt.Errorf("%w: segment text empty", ErrConstraintViolation)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO segments (id, session_id, text, started_at, ended_at, confidence, sequence_number, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.ID, seg.SessionID, seg.Text, encodeTime(seg.StartedAt), encodeTime(seg.EndedAt),
		nullFloat(seg.Confidence), seg.SequenceNumber, seg.Source, encodeTime(seg.CreatedAt),
	)
	return mapSqliteErr(err)
}

func (r *SqliteRepository) Segments(ctx context.Context, sessionID string) ([]domain.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, text, started_at, ended_at, confidence, sequence_number, source, created_at
		 FROM segments WHERE session_id = ? ORDER BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSegments(rows)
}

func (r *SqliteRepository) SegmentsBetween(ctx context.Context, from, to time.Time) ([]domain.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, text, started_at, ended_at, confidence, sequence_number, source, created_at
		 FROM segments WHERE started_at >= ? AND started_at <= ? ORDER BY started_at ASC`,
		encodeTime(from), encodeTime(to))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectSegments(rows)
}

func (r *SqliteRepository) SegmentCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

// --- Summaries ---

func (r *SqliteRepository) SaveSummary(ctx context.Context, sum domain.Summary) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO summaries (id, session_id, content, type, segment_range_start, segment_range_end, model_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.SessionID, sum.Content, sum.Type,
		sum.SegmentRangeStart, sum.SegmentRangeEnd, sum.ModelID, encodeTime(sum.CreatedAt),
	)
	return mapSqliteErr(err)
}

func (r *SqliteRepository) Summaries(ctx context.Context, sessionID string) ([]domain.Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, content, type, segment_range_start, segment_range_end, model_id, created_at
		 FROM summaries WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (r *SqliteRepository) LatestSummary(ctx context.Context, sessionID string) (domain.Summary, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, content, type, segment_range_start, segment_range_end, model_id, created_at
		 FROM summaries WHERE session_id = ? ORDER BY created_at DESC, segment_range_end DESC LIMIT 1`, sessionID)
	return scanSummary(row)
}

// --- Topics ---

func (r *SqliteRepository) SaveTopic(ctx context.Context, topic domain.Topic) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO topics (id, session_id, title, summary, range_start, range_end, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		topic.ID, topic.SessionID, topic.Title, topic.Summary,
		topic.SegmentRange.Start, topic.SegmentRange.End, encodeTime(topic.CreatedAt),
	)
	return mapSqliteErr(err)
}

func (r *SqliteRepository) Topics(ctx context.Context, sessionID string) ([]domain.Topic, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, title, summary, range_start, range_end, created_at
		 FROM topics WHERE session_id = ? ORDER BY range_start ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Topic
	for rows.Next() {
		var t domain.Topic
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.Summary,
			&t.SegmentRange.Start, &t.SegmentRange.End, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var sess domain.Session
	var startedAt, createdAt string
	var endedAt, title sql.NullString
	err := row.Scan(&sess.ID, &sess.Locale, &startedAt, &endedAt, &title, &sess.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, ErrNotFound
		}
		return domain.Session{}, err
	}
	if sess.StartedAt, err = decodeTime(startedAt); err != nil {
		return domain.Session{}, err
	}
	if sess.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.Session{}, err
	}
	if endedAt.Valid {
		t, err := decodeTime(endedAt.String)
		if err != nil {
			return domain.Session{}, err
		}
		sess.EndedAt = &t
	}
	if title.Valid {
		sess.Title = title.String
	}
	return sess, nil
}

func collectSegments(rows *sql.Rows) ([]domain.Segment, error) {
	var out []domain.Segment
	for rows.Next() {
		var seg domain.Segment
		var startedAt, endedAt, createdAt string
		var confidence sql.NullFloat64
		err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Text, &startedAt, &endedAt,
			&confidence, &seg.SequenceNumber, &seg.Source, &createdAt)
		if err != nil {
			return nil, err
		}
		if seg.StartedAt, err = decodeTime(startedAt); err != nil {
			return nil, err
		}
		if seg.EndedAt, err = decodeTime(endedAt); err != nil {
			return nil, err
		}
		if seg.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		if confidence.Valid {
			c := confidence.Float64
			seg.Confidence = &c
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (domain.Summary, error) {
	var sum domain.Summary
	var createdAt string
	err := row.Scan(&sum.ID, &sum.SessionID, &sum.Content, &sum.Type,
		&sum.SegmentRangeStart, &sum.SegmentRangeEnd, &sum.ModelID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Summary{}, ErrNotFound
		}
		return domain.Summary{}, err
	}
	if sum.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.Summary{}, err
	}
	return sum, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func mapSqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "constraint") {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return err
}
