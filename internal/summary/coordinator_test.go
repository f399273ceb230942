package summary

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stenoproject/stenod/internal/domain"
	"github.com/stenoproject/stenod/internal/store"
)

type fakeLLM struct {
	mu             sync.Mutex
	summarizeCalls int
	textErr        error
	topicDrafts    []TopicDraft
	topicsErr      error
	lastUncovered  []domain.Segment
	lastExisting   []domain.Topic
}

func (f *fakeLLM) Summarize(_ context.Context, _ []domain.Segment, _ *domain.Summary) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls++
	if f.textErr != nil {
		return "", f.textErr
	}
	return "brief summary", nil
}

func (f *fakeLLM) GenerateMeetingNotes(_ context.Context, _ []domain.Segment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return "", f.textErr
	}
	return "- notes", nil
}

func (f *fakeLLM) ExtractTopics(_ context.Context, uncovered []domain.Segment, existing []domain.Topic) ([]TopicDraft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUncovered = uncovered
	f.lastExisting = existing
	if f.topicsErr != nil {
		return nil, f.topicsErr
	}
	return f.topicDrafts, nil
}

func (f *fakeLLM) ModelID() string { return "fake-model" }

func newCoordinatorTest(t *testing.T, cfg Config) (store.Repository, *fakeLLM, *Coordinator, string) {
	t.Helper()
	repo, err := store.OpenSqlite(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, repo.Close()) })

	sess, err := repo.CreateSession(context.Background(), "en-US")
	require.NoError(t, err)

	llm := &fakeLLM{}
	return repo, llm, NewCoordinator(repo, llm, cfg), sess.ID
}

func saveSegments(t *testing.T, repo store.Repository, sessionID string, from, to int) {
	t.Helper()
	now := time.Now().UTC()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, repo.SaveSegment(context.Background(), domain.Segment{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			Text:           "segment text",
			StartedAt:      now,
			EndedAt:        now,
			SequenceNumber: seq,
			Source:         domain.SourceMicrophone,
			CreatedAt:      now,
		}))
	}
}

func TestCoordinatorHoldsBelowThresholds(t *testing.T) {
	repo, llm, coord, sessID := newCoordinatorTest(t, DefaultConfig())
	saveSegments(t, repo, sessID, 1, 2)

	res := coord.OnSegmentSaved(context.Background(), sessID)
	require.Nil(t, res)
	require.Zero(t, llm.summarizeCalls)
}

func TestCoordinatorFiresOnSegmentCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 3
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)
	saveSegments(t, repo, sessID, 1, 3)

	res := coord.OnSegmentSaved(context.Background(), sessID)
	require.NotNil(t, res)
	require.Equal(t, "brief summary", res.BriefSummary)
	require.Equal(t, "- notes", res.MeetingNotes)
	require.Equal(t, 1, llm.summarizeCalls)

	latest, err := repo.LatestSummary(context.Background(), sessID)
	require.NoError(t, err)
	require.Equal(t, domain.SummaryRolling, latest.Type)
	require.Equal(t, 1, latest.SegmentRangeStart)
	require.Equal(t, 3, latest.SegmentRangeEnd)
	require.Equal(t, "fake-model", latest.ModelID)
}

func TestCoordinatorTimeTriggerNeedsMinimumSegments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 100
	cfg.MinSegmentsForTimeTrigger = 3
	cfg.TimeThreshold = time.Millisecond
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)

	saveSegments(t, repo, sessID, 1, 2)
	require.Nil(t, coord.OnSegmentSaved(context.Background(), sessID))
	require.Zero(t, llm.summarizeCalls)

	saveSegments(t, repo, sessID, 3, 3)
	require.NotNil(t, coord.OnSegmentSaved(context.Background(), sessID))
	require.Equal(t, 1, llm.summarizeCalls)
}

func TestCoordinatorSkipsWhenNothingNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 3
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)
	saveSegments(t, repo, sessID, 1, 3)

	require.NotNil(t, coord.OnSegmentSaved(context.Background(), sessID))
	require.Nil(t, coord.OnSegmentSaved(context.Background(), sessID))
	require.Equal(t, 1, llm.summarizeCalls)
}

func TestCoordinatorNeverReextractsCoveredTopics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 3
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)

	saveSegments(t, repo, sessID, 1, 3)
	llm.topicDrafts = []TopicDraft{{Title: "kickoff", Summary: "opening", SegmentRange: domain.SegmentRange{Start: 1, End: 3}}}
	first := coord.OnSegmentSaved(context.Background(), sessID)
	require.NotNil(t, first)
	require.Len(t, first.Topics, 1)

	saveSegments(t, repo, sessID, 4, 6)
	llm.topicDrafts = []TopicDraft{{Title: "budget", Summary: "numbers", SegmentRange: domain.SegmentRange{Start: 4, End: 6}}}
	second := coord.OnSegmentSaved(context.Background(), sessID)
	require.NotNil(t, second)

	// Only segments past the last covered topic range reach the model.
	require.Len(t, llm.lastUncovered, 3)
	require.Equal(t, 4, llm.lastUncovered[0].SequenceNumber)
	require.Len(t, llm.lastExisting, 1)
	require.Equal(t, "kickoff", llm.lastExisting[0].Title)

	topics, err := repo.Topics(context.Background(), sessID)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	require.Equal(t, "kickoff", topics[0].Title)
	require.Equal(t, "budget", topics[1].Title)
	require.Len(t, second.Topics, 2)
}

func TestCoordinatorClampsTopicRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 3
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)
	saveSegments(t, repo, sessID, 1, 3)

	// Hallucinated line numbers get clamped into the uncovered window.
	llm.topicDrafts = []TopicDraft{{Title: "wild", Summary: "s", SegmentRange: domain.SegmentRange{Start: 40, End: 90}}}
	res := coord.OnSegmentSaved(context.Background(), sessID)
	require.NotNil(t, res)

	topics, err := repo.Topics(context.Background(), sessID)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, domain.SegmentRange{Start: 1, End: 3}, topics[0].SegmentRange)
}

func TestCoordinatorRecordsPlaceholderOnModelFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 3
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)
	saveSegments(t, repo, sessID, 1, 3)

	llm.textErr = errors.New("backend down")
	llm.topicsErr = errors.New("backend down")

	res := coord.OnSegmentSaved(context.Background(), sessID)
	require.NotNil(t, res)
	require.Equal(t, unavailable, res.BriefSummary)
	require.Equal(t, unavailable, res.MeetingNotes)
	require.Empty(t, res.Topics)

	// The run still persists so the covered range advances.
	latest, err := repo.LatestSummary(context.Background(), sessID)
	require.NoError(t, err)
	require.Equal(t, unavailable, latest.Content)
	require.Equal(t, 3, latest.SegmentRangeEnd)
}

func TestFinalizeForcesRunAndWritesFinalSummary(t *testing.T) {
	repo, llm, coord, sessID := newCoordinatorTest(t, DefaultConfig())
	saveSegments(t, repo, sessID, 1, 1)

	res := coord.Finalize(context.Background(), sessID)
	require.NotNil(t, res)
	require.Equal(t, 1, llm.summarizeCalls)

	latest, err := repo.LatestSummary(context.Background(), sessID)
	require.NoError(t, err)
	require.Equal(t, domain.SummaryFinal, latest.Type)
}

func TestFinalizeWithoutNewSegmentsIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerCount = 2
	repo, llm, coord, sessID := newCoordinatorTest(t, cfg)
	saveSegments(t, repo, sessID, 1, 2)

	require.NotNil(t, coord.OnSegmentSaved(context.Background(), sessID))
	require.Nil(t, coord.Finalize(context.Background(), sessID))
	require.Equal(t, 1, llm.summarizeCalls)
}
