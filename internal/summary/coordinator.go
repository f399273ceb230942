package summary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stenoproject/stenod/internal/domain"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/metrics"
	"github.com/stenoproject/stenod/internal/store"
)

// Config tunes the coordinator's trigger policy.
type Config struct {
	// TriggerCount fires a run whenever this many segments accumulated since
	// the last covered one.
	TriggerCount int
	// TimeThreshold fires a run when at least MinSegmentsForTimeTrigger new
	// segments exist and this much time passed since the last run.
	TimeThreshold time.Duration
	// MinSegmentsForTimeTrigger is the floor for the time-based trigger.
	MinSegmentsForTimeTrigger int
	// LLMTimeout bounds each individual model call.
	LLMTimeout time.Duration
}

// DefaultConfig returns the trigger defaults.
func DefaultConfig() Config {
	return Config{
		TriggerCount:              10,
		TimeThreshold:             30 * time.Second,
		MinSegmentsForTimeTrigger: 3,
		LLMTimeout:                60 * time.Second,
	}
}

// placeholder recorded when a model call fails or times out; the run still
// completes and later runs overwrite the gap.
const unavailable = "(unavailable)"

// Result is what one coordinator run produced. Topics is the union of
// pre-existing and newly extracted topics.
type Result struct {
	BriefSummary string
	MeetingNotes string
	Topics       []domain.Topic
}

// Coordinator debounces and serializes summary derivation per session. It is
// strictly best-effort: no failure propagates to the caller, and a persisted
// topic is never re-extracted or modified.
type Coordinator struct {
	repo   store.Repository
	llm    Summarizer
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu            sync.Mutex // serializes runs for one session
	lastSummaryAt time.Time
}

// NewCoordinator wires a coordinator over the repository and model backend.
func NewCoordinator(repo store.Repository, llm Summarizer, cfg Config) *Coordinator {
	if cfg.TriggerCount <= 0 {
		cfg.TriggerCount = DefaultConfig().TriggerCount
	}
	if cfg.TimeThreshold <= 0 {
		cfg.TimeThreshold = DefaultConfig().TimeThreshold
	}
	if cfg.MinSegmentsForTimeTrigger <= 0 {
		cfg.MinSegmentsForTimeTrigger = DefaultConfig().MinSegmentsForTimeTrigger
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultConfig().LLMTimeout
	}
	return &Coordinator{
		repo:     repo,
		llm:      llm,
		cfg:      cfg,
		logger:   log.WithComponent("summary"),
		sessions: make(map[string]*sessionState),
	}
}

// OnSegmentSaved notifies the coordinator that a segment was persisted. It
// runs the derivation body when the trigger policy fires and returns the
// result, or nil when the policy held back or the run produced nothing.
func (c *Coordinator) OnSegmentSaved(ctx context.Context, sessionID string) *Result {
	return c.run(ctx, sessionID, domain.SummaryRolling, false)
}

// Finalize runs once more after a session completed, persisting a summary of
// type final when uncovered segments remain.
func (c *Coordinator) Finalize(ctx context.Context, sessionID string) *Result {
	return c.run(ctx, sessionID, domain.SummaryFinal, true)
}

func (c *Coordinator) run(ctx context.Context, sessionID string, typ domain.SummaryType, force bool) *Result {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	count, err := c.repo.SegmentCount(ctx, sessionID)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("segment count failed")
		metrics.CoordinatorRunsTotal.WithLabelValues("store_error").Inc()
		return nil
	}

	lastCovered := 0
	var previous *domain.Summary
	if latest, err := c.repo.LatestSummary(ctx, sessionID); err == nil {
		lastCovered = latest.SegmentRangeEnd
		previous = &latest
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("latest summary lookup failed")
		metrics.CoordinatorRunsTotal.WithLabelValues("store_error").Inc()
		return nil
	}

	newCount := count - lastCovered
	if newCount <= 0 {
		return nil
	}
	if !force && !c.shouldFire(newCount, st.lastSummaryAt) {
		return nil
	}

	res := c.derive(ctx, sessionID, typ, lastCovered, previous)
	st.lastSummaryAt = time.Now()
	return res
}

func (c *Coordinator) shouldFire(newCount int, lastSummaryAt time.Time) bool {
	if newCount >= c.cfg.TriggerCount {
		return true
	}
	if newCount < c.cfg.MinSegmentsForTimeTrigger {
		return false
	}
	return lastSummaryAt.IsZero() || time.Since(lastSummaryAt) >= c.cfg.TimeThreshold
}

// derive is the run body: summary, notes, topic extraction, persistence.
// Model failures degrade to placeholders; only store read failures abort.
func (c *Coordinator) derive(ctx context.Context, sessionID string, typ domain.SummaryType, lastCovered int, previous *domain.Summary) *Result {
	segments, err := c.repo.Segments(ctx, sessionID)
	if err != nil || len(segments) == 0 {
		if err != nil {
			c.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("segment load failed")
			metrics.CoordinatorRunsTotal.WithLabelValues("store_error").Inc()
		}
		return nil
	}

	brief := c.callText(ctx, "summarize", func(callCtx context.Context) (string, error) {
		return c.llm.Summarize(callCtx, segments, previous)
	})
	notes := c.callText(ctx, "meeting_notes", func(callCtx context.Context) (string, error) {
		return c.llm.GenerateMeetingNotes(callCtx, segments)
	})

	existing, err := c.repo.Topics(ctx, sessionID)
	if err != nil {
		c.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("topic load failed")
		metrics.CoordinatorRunsTotal.WithLabelValues("store_error").Inc()
		return nil
	}

	topics := append([]domain.Topic(nil), existing...)
	if uncovered := uncoveredSegments(segments, existing); len(uncovered) > 0 {
		topics = append(topics, c.extractTopics(ctx, sessionID, uncovered, existing)...)
	}

	from := lastCovered + 1
	toSegment := segments[len(segments)-1].SequenceNumber
	sum := domain.Summary{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		Content:           brief,
		Type:              typ,
		SegmentRangeStart: from,
		SegmentRangeEnd:   toSegment,
		ModelID:           c.llm.ModelID(),
		CreatedAt:         time.Now().UTC(),
	}
	if err := c.repo.SaveSummary(ctx, sum); err != nil {
		c.logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("summary persist failed")
		metrics.CoordinatorRunsTotal.WithLabelValues("store_error").Inc()
		return nil
	}

	c.logger.Info().
		Str(log.FieldSessionID, sessionID).
		Int("from", from).
		Int("to", toSegment).
		Int("topics", len(topics)).
		Str("type", string(typ)).
		Msg("summary run complete")
	metrics.CoordinatorRunsTotal.WithLabelValues("ok").Inc()

	return &Result{BriefSummary: brief, MeetingNotes: notes, Topics: topics}
}

// extractTopics sends only uncovered segments to the model and persists each
// accepted draft. Existing topics are context, never candidates for change.
func (c *Coordinator) extractTopics(ctx context.Context, sessionID string, uncovered []domain.Segment, existing []domain.Topic) []domain.Topic {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	drafts, err := c.llm.ExtractTopics(callCtx, uncovered, existing)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.LLMTimeoutsTotal.WithLabelValues("extract_topics").Inc()
		}
		c.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("topic extraction failed, keeping existing topics")
		return nil
	}

	lo, hi := uncovered[0].SequenceNumber, uncovered[len(uncovered)-1].SequenceNumber
	var saved []domain.Topic
	for _, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			continue
		}
		topic := domain.Topic{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			Title:        strings.TrimSpace(d.Title),
			Summary:      strings.TrimSpace(d.Summary),
			SegmentRange: clampRange(d.SegmentRange, lo, hi),
			CreatedAt:    time.Now().UTC(),
		}
		if err := c.repo.SaveTopic(ctx, topic); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Str("title", topic.Title).Msg("topic persist failed")
			continue
		}
		saved = append(saved, topic)
	}
	return saved
}

func (c *Coordinator) callText(ctx context.Context, op string, fn func(context.Context) (string, error)) string {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.LLMTimeout)
	defer cancel()

	text, err := fn(callCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.LLMTimeoutsTotal.WithLabelValues(op).Inc()
		}
		c.logger.Warn().Err(err).Str("operation", op).Msg("model call failed, recording placeholder")
		return unavailable
	}
	if strings.TrimSpace(text) == "" {
		return unavailable
	}
	return text
}

func (c *Coordinator) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		c.sessions[sessionID] = st
	}
	return st
}

// uncoveredSegments returns the segments whose sequence number exceeds the
// highest range end of any persisted topic.
func uncoveredSegments(segments []domain.Segment, topics []domain.Topic) []domain.Segment {
	highest := 0
	for _, t := range topics {
		if t.SegmentRange.End > highest {
			highest = t.SegmentRange.End
		}
	}
	var out []domain.Segment
	for _, s := range segments {
		if s.SequenceNumber > highest {
			out = append(out, s)
		}
	}
	return out
}

func clampRange(r domain.SegmentRange, lo, hi int) domain.SegmentRange {
	if r.Start < lo || r.Start > hi {
		r.Start = lo
	}
	if r.End < r.Start || r.End > hi {
		r.End = hi
	}
	return r
}
