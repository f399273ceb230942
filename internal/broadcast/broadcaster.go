// Package broadcast fans engine events out to subscribed clients. Dispatch
// never blocks on a client: a send that fails, because the peer is gone or
// its outbound queue is full, costs that client its subscription.
package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stenoproject/stenod/internal/domain"
	"github.com/stenoproject/stenod/internal/log"
	"github.com/stenoproject/stenod/internal/metrics"
	"github.com/stenoproject/stenod/internal/protocol"
)

// Client is the delivery endpoint for one connection. Send must not block;
// it returns an error when the line cannot be queued.
type Client interface {
	ID() string
	Send(line []byte) error
}

type subscription struct {
	client Client
	tags   map[protocol.EventTag]struct{}
}

// Broadcaster multiplexes engine events to subscribers with per-client tag
// filtering. It implements the engine's event sink.
type Broadcaster struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

func New() *Broadcaster {
	return &Broadcaster{
		logger: log.WithComponent("broadcast"),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers or replaces a client's subscription. An empty tag list
// subscribes to every event.
func (b *Broadcaster) Subscribe(client Client, tags []protocol.EventTag) {
	if len(tags) == 0 {
		tags = protocol.AllEventTags()
	}
	set := make(map[protocol.EventTag]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}

	b.mu.Lock()
	_, replaced := b.subs[client.ID()]
	b.subs[client.ID()] = &subscription{client: client, tags: set}
	count := len(b.subs)
	b.mu.Unlock()

	if !replaced {
		metrics.SubscribersGauge.Set(float64(count))
	}
	b.logger.Debug().
		Str(log.FieldClientID, client.ID()).
		Int("tags", len(set)).
		Msg("client subscribed")
}

// Unsubscribe drops a client's subscription, if any.
func (b *Broadcaster) Unsubscribe(clientID string) {
	b.mu.Lock()
	_, ok := b.subs[clientID]
	delete(b.subs, clientID)
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		metrics.SubscribersGauge.Set(float64(count))
		b.logger.Debug().Str(log.FieldClientID, clientID).Msg("client unsubscribed")
	}
}

// HandleEngineEvent maps one engine event to the wire and delivers it to
// every subscriber whose filter matches. Failed sends remove the subscriber;
// the engine is never made to wait.
func (b *Broadcaster) HandleEngineEvent(ev domain.EngineEvent) {
	wire, ok := protocol.FromEngineEvent(ev)
	if !ok {
		return
	}
	line, err := json.Marshal(wire)
	if err != nil {
		b.logger.Error().Err(err).Str(log.FieldEvent, string(wire.Event)).Msg("event marshal failed")
		return
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if _, want := sub.tags[wire.Event]; want {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var dead []string
	for _, sub := range targets {
		if err := sub.client.Send(line); err != nil {
			dead = append(dead, sub.client.ID())
			metrics.IncEventDropped("send_failed")
			b.logger.Debug().
				Err(err).
				Str(log.FieldClientID, sub.client.ID()).
				Str(log.FieldEvent, string(wire.Event)).
				Msg("dropping slow or disconnected subscriber")
			continue
		}
		metrics.EventsDeliveredTotal.WithLabelValues(string(wire.Event)).Inc()
	}

	for _, id := range dead {
		b.Unsubscribe(id)
	}
}
