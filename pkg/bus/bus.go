// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

// Package bus is the in-process anomaly fanout: the scheduler publishes,
// websocket sessions subscribe with per-subscriber filters. Slow consumers
// are disconnected rather than allowed to stall the publisher.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/stelioszach03/nyc-subway-monitor/pkg/telemetry"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/transit"
	"github.com/stelioszach03/nyc-subway-monitor/pkg/util/log"
)

// queueSize bounds each subscriber's pending anomalies. A consumer that
// falls this far behind is dropped with reason slow_consumer.
const queueSize = 256

// CloseReason tells a subscriber why its channel closed.
type CloseReason string

// Close reasons surfaced to websocket clients.
const (
	ReasonSlowConsumer CloseReason = "slow_consumer"
	ReasonShutdown     CloseReason = "shutdown"
)

// Filter narrows the anomalies a subscriber receives. Zero values match
// everything.
type Filter struct {
	Line        string               `json:"line,omitempty"`
	StationID   string               `json:"station_id,omitempty"`
	SeverityMin float64              `json:"severity_min,omitempty"`
	Kinds       []transit.AnomalyKind `json:"kinds,omitempty"`
}

// Matches reports whether an anomaly passes the filter.
func (f *Filter) Matches(a *transit.Anomaly) bool {
	if f.Line != "" && a.Line != f.Line {
		return false
	}
	if f.StationID != "" && a.StationID != f.StationID {
		return false
	}
	if a.Severity < f.SeverityMin {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == a.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscriber is one consumer's view of the stream. C delivers anomalies;
// Closed delivers exactly one reason when the bus detaches the subscriber.
type Subscriber struct {
	id     string
	filter Filter

	C      chan transit.Anomaly
	Closed chan CloseReason

	once sync.Once
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// Bus is the publisher side. Publish never blocks: a full subscriber queue
// drops that subscriber instead.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
	done bool
}

func New() *Bus {
	return &Bus{subs: make(map[string]*Subscriber)}
}

// Subscribe attaches a consumer with a filter. Returns nil after Shutdown.
func (b *Bus) Subscribe(filter Filter) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return nil
	}
	sub := &Subscriber{
		id:     uuid.NewString(),
		filter: filter,
		C:      make(chan transit.Anomaly, queueSize),
		Closed: make(chan CloseReason, 1),
	}
	b.subs[sub.id] = sub
	telemetry.Subscribers.Set(float64(len(b.subs)))
	return sub
}

// Unsubscribe detaches a consumer. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(sub, "")
}

// UpdateFilter swaps a subscriber's filter atomically with respect to
// publishes.
func (b *Bus) UpdateFilter(sub *Subscriber, filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[sub.id]; ok {
		s.filter = filter
	}
}

// Publish fans an anomaly out to every matching subscriber.
func (b *Bus) Publish(a transit.Anomaly) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.filter.Matches(&a) {
			continue
		}
		select {
		case sub.C <- a:
		default:
			log.Warnf("bus: dropping subscriber %s: queue full at %d", sub.id, queueSize) //nolint:errcheck
			telemetry.SlowConsumerDrops.Inc()
			b.detachLocked(sub, ReasonSlowConsumer)
		}
	}
}

// SubscriberCount reports attached consumers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown detaches every subscriber with reason shutdown and refuses new
// subscriptions.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	for _, sub := range b.subs {
		b.detachLocked(sub, ReasonShutdown)
	}
}

func (b *Bus) detachLocked(sub *Subscriber, reason CloseReason) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	telemetry.Subscribers.Set(float64(len(b.subs)))
	sub.once.Do(func() {
		if reason != "" {
			sub.Closed <- reason
		}
		close(sub.C)
	})
}
