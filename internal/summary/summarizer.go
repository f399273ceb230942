// Package summary orchestrates best-effort LLM derivation: rolling
// summaries, meeting notes, and topic extraction over stored segments.
package summary

import (
	"context"

	"github.com/stenoproject/stenod/internal/domain"
)

// TopicDraft is a topic proposal from the language model, before it receives
// an identity and is persisted.
type TopicDraft struct {
	Title        string              `json:"title"`
	Summary      string              `json:"summary"`
	SegmentRange domain.SegmentRange `json:"segmentRange"`
}

// Summarizer is the capability set the coordinator needs from a language
// model backend. Implementations may block up to the context deadline; the
// coordinator treats every failure as recoverable.
type Summarizer interface {
	// Summarize produces a brief rolling summary of the whole transcript so
	// far. previous carries the prior summary for continuity, when one exists.
	Summarize(ctx context.Context, segments []domain.Segment, previous *domain.Summary) (string, error)
	// GenerateMeetingNotes produces structured notes for the transcript.
	GenerateMeetingNotes(ctx context.Context, segments []domain.Segment) (string, error)
	// ExtractTopics proposes topics covering only the uncovered segments.
	// existing is provided for context and must never be re-emitted.
	ExtractTopics(ctx context.Context, uncovered []domain.Segment, existing []domain.Topic) ([]TopicDraft, error)
	// ModelID identifies the backing model for persisted summaries.
	ModelID() string
}
