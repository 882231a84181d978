package events

import (
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"

	"github.com/goccy/go-json"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"
)

// SyncStream is the SSE stream record outcomes and shard health changes go to.
const SyncStream = "sync"

type ssePublisher interface {
	Publish(id string, event *sse.Event)
}

type Subscriber struct {
	log      zerolog.Logger
	eventbus EventBus.Bus
	sse      ssePublisher
}

func NewSubscribers(log logger.Logger, eventbus EventBus.Bus, sse ssePublisher) Subscriber {
	s := Subscriber{
		log:      log.With().Str("module", "events").Logger(),
		eventbus: eventbus,
		sse:      sse,
	}

	s.Register()

	return s
}

func (s Subscriber) Register() {
	subscriptions := []struct {
		topic string
		fn    interface{}
	}{
		{domain.EventRecordCompleted, s.recordCompleted},
		{domain.EventRecordFailed, s.recordFailed},
		{domain.EventShardHealth, s.shardHealth},
	}

	for _, sub := range subscriptions {
		if err := s.eventbus.Subscribe(sub.topic, sub.fn); err != nil {
			s.log.Error().Err(err).Str("topic", sub.topic).Msg("could not subscribe")
		}
	}
}

func (s Subscriber) recordCompleted(event *domain.RecordEvent) {
	s.log.Trace().
		Str("record_id", event.RecordID).
		Int("shard", event.ShardKey).
		Msg("record completed")

	s.forward(domain.EventRecordCompleted, event)
}

func (s Subscriber) recordFailed(event *domain.RecordEvent) {
	s.log.Debug().
		Str("record_id", event.RecordID).
		Int("shard", event.ShardKey).
		Str("entity_type", string(event.EntityType)).
		Str("error", event.Error).
		Msg("record failed")

	s.forward(domain.EventRecordFailed, event)
}

func (s Subscriber) shardHealth(event *domain.ShardHealthEvent) {
	e := s.log.Info()
	if !event.Healthy {
		e = s.log.Warn().Str("reason", event.Reason)
	}
	e.Int("shard", event.ShardKey).Bool("healthy", event.Healthy).Msg("shard health changed")

	s.forward(domain.EventShardHealth, event)
}

func (s Subscriber) forward(topic string, v interface{}) {
	if s.sse == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("could not encode event")
		return
	}

	s.sse.Publish(SyncStream, &sse.Event{Event: []byte(topic), Data: data})
}

// ShardHealthNotifier adapts bus publishing to shard.HealthTracker.OnChange.
func ShardHealthNotifier(eventbus EventBus.Bus) func(shard int, healthy bool, reason string) {
	return func(shard int, healthy bool, reason string) {
		eventbus.Publish(domain.EventShardHealth, &domain.ShardHealthEvent{
			ShardKey:  shard,
			Healthy:   healthy,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		})
	}
}
