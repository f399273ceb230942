// Package domain holds the shared data model of the transcription daemon:
// sessions, segments, summaries, topics, and the engine event variants that
// flow from the recording engine to the broadcaster.
package domain

import (
	"strings"
	"time"
)

// MaxSegmentText is the upper bound on stored segment text length.
const MaxSegmentText = 10000

// SessionStatus is the lifecycle state of a recording session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is one continuous recording, start to stop.
// At most one session is active in the process at any time.
type Session struct {
	ID        string        `json:"id"`
	Locale    string        `json:"locale"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Title     string        `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Source tags the provenance of audio and of the segments derived from it.
type Source string

const (
	SourceMicrophone  Source = "microphone"
	SourceSystemAudio Source = "systemAudio"
)

// Segment is one finalized recognizer utterance. Immutable once stored.
// (SessionID, SequenceNumber) is unique; sequence numbers are dense and
// 1-based per session.
type Segment struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	Text           string    `json:"text"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
	Confidence     *float64  `json:"confidence,omitempty"`
	SequenceNumber int       `json:"sequenceNumber"`
	Source         Source    `json:"source"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SummaryType distinguishes rolling in-session summaries from the final one
// written after a session completes.
type SummaryType string

const (
	SummaryRolling SummaryType = "rolling"
	SummaryFinal   SummaryType = "final"
)

// Summary is a rolling textual summary covering an inclusive segment range.
type Summary struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"sessionId"`
	Content           string      `json:"content"`
	Type              SummaryType `json:"type"`
	SegmentRangeStart int         `json:"segmentRangeStart"`
	SegmentRangeEnd   int         `json:"segmentRangeEnd"`
	ModelID           string      `json:"modelId"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// SegmentRange is a 1-based inclusive range of segment sequence numbers.
type SegmentRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Topic is an immutable discussion label extracted over a segment range.
// Once persisted a topic is never replaced or modified.
type Topic struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId"`
	Title        string       `json:"title"`
	Summary      string       `json:"summary"`
	SegmentRange SegmentRange `json:"segmentRange"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// EngineStatus is the recording engine lifecycle state.
type EngineStatus string

const (
	StatusIdle      EngineStatus = "idle"
	StatusStarting  EngineStatus = "starting"
	StatusRecording EngineStatus = "recording"
	StatusStopping  EngineStatus = "stopping"
	StatusError     EngineStatus = "error"
)

// CanStart reports whether a start command is acceptable in this state.
func (s EngineStatus) CanStart() bool {
	return s == StatusIdle || s == StatusError
}

// TrimSegmentText normalizes recognizer output for storage: surrounding
// whitespace is dropped and overly long text is cut at MaxSegmentText.
func TrimSegmentText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > MaxSegmentText {
		text = text[:MaxSegmentText]
	}
	return text
}
