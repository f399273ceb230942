// Package protocol defines the NDJSON wire types spoken over the control
// socket: commands, responses, and unsolicited events. One JSON object per
// line in both directions; unknown fields are ignored on decode.
package protocol

import (
	"strings"

	"github.com/stenoproject/stenod/internal/domain"
)

// MaxLineBytes caps a single NDJSON line. Longer messages close the
// connection.
const MaxLineBytes = 1 << 20

// Command names accepted by the dispatcher.
const (
	CmdStatus    = "status"
	CmdDevices   = "devices"
	CmdStart     = "start"
	CmdStop      = "stop"
	CmdSubscribe = "subscribe"
)

// Command is one client request line.
type Command struct {
	Cmd         string   `json:"cmd"`
	Locale      string   `json:"locale,omitempty"`
	Device      string   `json:"device,omitempty"`
	SystemAudio *bool    `json:"systemAudio,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// Response is the single reply line written per received command.
type Response struct {
	OK          bool     `json:"ok"`
	SessionID   string   `json:"sessionId,omitempty"`
	Recording   *bool    `json:"recording,omitempty"`
	Segments    *int     `json:"segments,omitempty"`
	Devices     []string `json:"devices,omitempty"`
	Status      string   `json:"status,omitempty"`
	Device      string   `json:"device,omitempty"`
	SystemAudio *bool    `json:"systemAudio,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ErrorResponse builds the uniform failure reply.
func ErrorResponse(msg string) Response {
	return Response{OK: false, Error: msg}
}

// EventTag is the closed set of subscribable event kinds.
type EventTag string

const (
	EventPartial         EventTag = "partial"
	EventSegment         EventTag = "segment"
	EventLevel           EventTag = "level"
	EventStatus          EventTag = "status"
	EventError           EventTag = "error"
	EventModelProcessing EventTag = "model_processing"
	EventTopics          EventTag = "topics"
)

// AllEventTags returns every subscribable tag; a subscribe command without an
// explicit list gets all of them.
func AllEventTags() []EventTag {
	return []EventTag{
		EventPartial, EventSegment, EventLevel, EventStatus,
		EventError, EventModelProcessing, EventTopics,
	}
}

// ValidEventTag reports whether s names a known tag.
func ValidEventTag(s string) bool {
	switch EventTag(s) {
	case EventPartial, EventSegment, EventLevel, EventStatus,
		EventError, EventModelProcessing, EventTopics:
		return true
	}
	return false
}

// Event is one unsolicited line pushed to subscribed clients.
type Event struct {
	Event           EventTag `json:"event"`
	Text            string   `json:"text,omitempty"`
	Source          string   `json:"source,omitempty"`
	Mic             *float64 `json:"mic,omitempty"`
	Sys             *float64 `json:"sys,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	SequenceNumber  *int     `json:"sequenceNumber,omitempty"`
	Title           string   `json:"title,omitempty"`
	Message         string   `json:"message,omitempty"`
	Transient       *bool    `json:"transient,omitempty"`
	Recording       *bool    `json:"recording,omitempty"`
	ModelProcessing *bool    `json:"modelProcessing,omitempty"`
}

// FromEngineEvent maps an engine event to its wire representation. The
// second return is false for engine events with no wire mapping.
func FromEngineEvent(ev domain.EngineEvent) (Event, bool) {
	switch e := ev.(type) {
	case domain.PartialText:
		return Event{Event: EventPartial, Text: e.Text, Source: string(e.Source)}, true
	case domain.SegmentFinalized:
		seq := e.Segment.SequenceNumber
		return Event{
			Event:          EventSegment,
			Text:           e.Segment.Text,
			Source:         string(e.Segment.Source),
			SessionID:      e.Segment.SessionID,
			SequenceNumber: &seq,
		}, true
	case domain.Level:
		mic, sys := e.Mic, e.Sys
		return Event{Event: EventLevel, Mic: &mic, Sys: &sys}, true
	case domain.StatusChanged:
		recording := e.Status == domain.StatusRecording
		return Event{Event: EventStatus, Recording: &recording}, true
	case domain.EngineError:
		transient := e.Transient
		return Event{Event: EventError, Message: e.Message, Transient: &transient}, true
	case domain.ModelProcessing:
		active := e.Active
		return Event{Event: EventModelProcessing, ModelProcessing: &active}, true
	case domain.TopicsUpdated:
		titles := make([]string, 0, len(e.Topics))
		for _, t := range e.Topics {
			titles = append(titles, t.Title)
		}
		return Event{Event: EventTopics, Title: strings.Join(titles, ", ")}, true
	}
	return Event{}, false
}
