package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stenoproject/stenod/internal/domain"
	"github.com/stenoproject/stenod/internal/protocol"
)

type fakeClient struct {
	id       string
	failSend bool

	mu    sync.Mutex
	lines [][]byte
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(line []byte) error {
	if c.failSend {
		return errors.New("queue full")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(line))
	copy(buf, line)
	c.lines = append(c.lines, buf)
	return nil
}

func (c *fakeClient) events(t *testing.T) []protocol.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Event, 0, len(c.lines))
	for _, line := range c.lines {
		var ev protocol.Event
		require.NoError(t, json.Unmarshal(line, &ev))
		out = append(out, ev)
	}
	return out
}

func TestBroadcastFiltersByTag(t *testing.T) {
	b := New()
	partialOnly := &fakeClient{id: "a"}
	everything := &fakeClient{id: "b"}
	b.Subscribe(partialOnly, []protocol.EventTag{protocol.EventPartial})
	b.Subscribe(everything, nil)

	b.HandleEngineEvent(domain.PartialText{Text: "hel", Source: domain.SourceMicrophone})
	b.HandleEngineEvent(domain.SegmentFinalized{Segment: domain.Segment{
		SessionID: "s1", Text: "hello", SequenceNumber: 1, Source: domain.SourceMicrophone,
	}})

	got := partialOnly.events(t)
	require.Len(t, got, 1)
	require.Equal(t, protocol.EventPartial, got[0].Event)
	require.Equal(t, "hel", got[0].Text)

	all := everything.events(t)
	require.Len(t, all, 2)
	require.Equal(t, protocol.EventSegment, all[1].Event)
	require.Equal(t, "s1", all[1].SessionID)
	require.NotNil(t, all[1].SequenceNumber)
	require.Equal(t, 1, *all[1].SequenceNumber)
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	b := New()
	broken := &fakeClient{id: "broken", failSend: true}
	healthy := &fakeClient{id: "healthy"}
	b.Subscribe(broken, nil)
	b.Subscribe(healthy, nil)

	b.HandleEngineEvent(domain.PartialText{Text: "one", Source: domain.SourceMicrophone})

	// The failed subscriber is gone; a later event reaches only the healthy one.
	broken.failSend = false
	b.HandleEngineEvent(domain.PartialText{Text: "two", Source: domain.SourceMicrophone})

	require.Empty(t, broken.events(t))
	require.Len(t, healthy.events(t), 2)
}

func TestSubscribeReplacesFilter(t *testing.T) {
	b := New()
	c := &fakeClient{id: "c"}
	b.Subscribe(c, []protocol.EventTag{protocol.EventLevel})

	b.HandleEngineEvent(domain.PartialText{Text: "ignored", Source: domain.SourceMicrophone})
	require.Empty(t, c.events(t))

	b.Subscribe(c, []protocol.EventTag{protocol.EventPartial})
	b.HandleEngineEvent(domain.PartialText{Text: "seen", Source: domain.SourceMicrophone})
	require.Len(t, c.events(t), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	c := &fakeClient{id: "c"}
	b.Subscribe(c, nil)
	b.Unsubscribe("c")

	b.HandleEngineEvent(domain.PartialText{Text: "gone", Source: domain.SourceMicrophone})
	require.Empty(t, c.events(t))
}

func TestStatusEventCarriesRecordingFlag(t *testing.T) {
	b := New()
	c := &fakeClient{id: "c"}
	b.Subscribe(c, []protocol.EventTag{protocol.EventStatus})

	b.HandleEngineEvent(domain.StatusChanged{Status: domain.StatusRecording})
	b.HandleEngineEvent(domain.StatusChanged{Status: domain.StatusIdle})

	got := c.events(t)
	require.Len(t, got, 2)
	require.True(t, *got[0].Recording)
	require.False(t, *got[1].Recording)
}
