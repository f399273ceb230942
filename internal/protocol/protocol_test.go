package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stenoproject/stenod/internal/domain"
)

func TestCommandDecodeIgnoresUnknownFields(t *testing.T) {
	var cmd Command
	line := `{"cmd":"start","locale":"de-DE","systemAudio":true,"futureField":42}`
	require.NoError(t, json.Unmarshal([]byte(line), &cmd))
	require.Equal(t, CmdStart, cmd.Cmd)
	require.Equal(t, "de-DE", cmd.Locale)
	require.NotNil(t, cmd.SystemAudio)
	require.True(t, *cmd.SystemAudio)
}

func TestResponseOmitsUnsetFields(t *testing.T) {
	payload, err := json.Marshal(ErrorResponse("bad command"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":false,"error":"bad command"}`, string(payload))

	recording := false
	payload, err = json.Marshal(Response{OK: true, Status: "idle", Recording: &recording})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true,"status":"idle","recording":false}`, string(payload))
}

func TestValidEventTag(t *testing.T) {
	for _, tag := range AllEventTags() {
		require.True(t, ValidEventTag(string(tag)))
	}
	require.False(t, ValidEventTag("heartbeat"))
	require.False(t, ValidEventTag(""))
}

func TestFromEngineEventMapping(t *testing.T) {
	conf := 0.9
	tests := []struct {
		name  string
		in    domain.EngineEvent
		check func(t *testing.T, ev Event)
	}{
		{
			name: "partial",
			in:   domain.PartialText{Text: "hel", Source: domain.SourceMicrophone},
			check: func(t *testing.T, ev Event) {
				require.Equal(t, EventPartial, ev.Event)
				require.Equal(t, "hel", ev.Text)
				require.Equal(t, "microphone", ev.Source)
			},
		},
		{
			name: "segment",
			in: domain.SegmentFinalized{Segment: domain.Segment{
				SessionID: "s1", Text: "hello world", SequenceNumber: 7,
				Source: domain.SourceSystemAudio, Confidence: &conf,
			}},
			check: func(t *testing.T, ev Event) {
				require.Equal(t, EventSegment, ev.Event)
				require.Equal(t, "s1", ev.SessionID)
				require.Equal(t, 7, *ev.SequenceNumber)
				require.Equal(t, "systemAudio", ev.Source)
			},
		},
		{
			name: "level",
			in:   domain.Level{Mic: 0.4, Sys: 0.1},
			check: func(t *testing.T, ev Event) {
				require.Equal(t, EventLevel, ev.Event)
				require.Equal(t, 0.4, *ev.Mic)
				require.Equal(t, 0.1, *ev.Sys)
			},
		},
		{
			name: "error",
			in:   domain.EngineError{Message: "boom", Transient: true},
			check: func(t *testing.T, ev Event) {
				require.Equal(t, EventError, ev.Event)
				require.Equal(t, "boom", ev.Message)
				require.True(t, *ev.Transient)
			},
		},
		{
			name: "model processing",
			in:   domain.ModelProcessing{Active: true},
			check: func(t *testing.T, ev Event) {
				require.Equal(t, EventModelProcessing, ev.Event)
				require.True(t, *ev.ModelProcessing)
			},
		},
		{
			name: "topics",
			in: domain.TopicsUpdated{Topics: []domain.Topic{
				{Title: "kickoff"}, {Title: "budget"},
			}},
			check: func(t *testing.T, ev Event) {
				require.Equal(t, EventTopics, ev.Event)
				require.Equal(t, "kickoff, budget", ev.Title)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := FromEngineEvent(tt.in)
			require.True(t, ok)
			tt.check(t, ev)
		})
	}
}
