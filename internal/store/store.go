// Package store defines the transcript repository contract shared by the
// recording engine and the summary coordinator, and provides the SQLite
// reference implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stenoproject/stenod/internal/domain"
)

// ErrConstraintViolation marks writes rejected by a data-model constraint:
// duplicate (session, sequence) pairs, empty segment text, or out-of-range
// confidence. Callers treat it as transient and do not advance counters.
var ErrConstraintViolation = errors.New("store: constraint violation")

// ErrNotFound marks reads for identifiers the store has never seen.
var ErrNotFound = errors.New("store: not found")

// Repository is the durable storage boundary. All operations perform at most
// one logical read or write. Implementations serialize writes and give
// readers a consistent snapshot.
type Repository interface {
	// CreateSession allocates an id and stores a new active session.
	CreateSession(ctx context.Context, locale string) (domain.Session, error)
	// EndSession completes a session. Idempotent on already-completed
	// sessions; a no-op for unknown ids.
	EndSession(ctx context.Context, id string) error
	// SetSessionTitle updates a session title. No-op for unknown ids.
	SetSessionTitle(ctx context.Context, id, title string) error
	// Session returns a session by id, or ErrNotFound.
	Session(ctx context.Context, id string) (domain.Session, error)
	// AllSessions returns every session ordered by startedAt descending.
	AllSessions(ctx context.Context) ([]domain.Session, error)
	// DeleteSession removes a session and cascades to its segments,
	// summaries, and topics.
	DeleteSession(ctx context.Context, id string) error

	// SaveSegment appends a finalized segment. Fails with
	// ErrConstraintViolation on duplicate sequence numbers or empty text.
	SaveSegment(ctx context.Context, seg domain.Segment) error
	// Segments returns a session's segments ordered by sequence number.
	Segments(ctx context.Context, sessionID string) ([]domain.Segment, error)
	// SegmentsBetween returns segments across sessions whose start time falls
	// in [from, to], ordered by startedAt ascending.
	SegmentsBetween(ctx context.Context, from, to time.Time) ([]domain.Segment, error)
	// SegmentCount returns the number of stored segments for a session.
	SegmentCount(ctx context.Context, sessionID string) (int, error)

	// SaveSummary appends a summary.
	SaveSummary(ctx context.Context, sum domain.Summary) error
	// Summaries returns a session's summaries ordered by createdAt ascending.
	Summaries(ctx context.Context, sessionID string) ([]domain.Summary, error)
	// LatestSummary returns the newest summary, or ErrNotFound when none.
	LatestSummary(ctx context.Context, sessionID string) (domain.Summary, error)

	// SaveTopic appends an immutable topic.
	SaveTopic(ctx context.Context, topic domain.Topic) error
	// Topics returns a session's topics ordered by range start ascending.
	Topics(ctx context.Context, sessionID string) ([]domain.Topic, error)

	Close() error
}
