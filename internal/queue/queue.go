package queue

import (
	"context"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/rs/zerolog"
)

const (
	fieldPayload  = "payload"
	fieldRecordID = "record_id"

	ackBackoff = time.Second
)

// Entry is one stream entry.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Client is the stream transport. ValkeyClient is the production implementation.
type Client interface {
	Add(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error)
	CreateGroup(ctx context.Context, stream string, group string) error
	ReadGroup(ctx context.Context, stream string, group string, consumer string, id string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream string, group string, ids ...string) error
	Close()
}

// Handler processes the records pointed at on one shard. Pointers are grouped per
// shard and passed in stream order.
type Handler func(ctx context.Context, shard int, pointers []domain.RecordPointer) error

type Service struct {
	log    zerolog.Logger
	client Client
	cfg    domain.QueueConfig
}

func NewService(log logger.Logger, client Client, cfg domain.QueueConfig) *Service {
	if cfg.Stream == "" {
		cfg.Stream = domain.SyncRecordsTopic
	}
	if cfg.Group == "" {
		cfg.Group = "sync-workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "fieldsync"
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	return &Service{
		log:    log.With().Str("module", "queue").Logger(),
		client: client,
		cfg:    cfg,
	}
}

// Publish appends an outbox message to the stream.
func (s *Service) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	stream := msg.Topic
	if stream == "" || stream == domain.SyncRecordsTopic {
		stream = s.cfg.Stream
	}

	id, err := s.client.Add(ctx, stream, s.cfg.MaxLen, map[string]string{
		fieldPayload:  string(msg.Payload),
		fieldRecordID: msg.RecordID,
	})
	if err != nil {
		return err
	}

	s.log.Trace().Str("stream", stream).Str("entry", id).Str("record", msg.RecordID).Msg("pointer published")
	return nil
}

// Run consumes the stream until ctx is done. It first drains entries delivered to this
// consumer but never acknowledged, then reads new ones.
func (s *Service) Run(ctx context.Context, handle Handler) error {
	if err := s.client.CreateGroup(ctx, s.cfg.Stream, s.cfg.Group); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}

	s.log.Info().Str("stream", s.cfg.Stream).Str("group", s.cfg.Group).Str("consumer", s.cfg.Consumer).Msg("consumer started")

	cursor := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}

		block := s.cfg.Block
		if cursor != ">" {
			block = 0
		}

		entries, err := s.client.ReadGroup(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, cursor, s.cfg.ReadCount, block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("stream read failed")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if len(entries) == 0 {
			// backlog drained
			cursor = ">"
			continue
		}

		if cursor != ">" {
			// unacked entries would come back on every read of the backlog
			cursor = entries[len(entries)-1].ID
		}

		if !s.dispatch(ctx, entries, handle) {
			if !sleep(ctx, ackBackoff) {
				return nil
			}
		}
	}
}

type shardGroup struct {
	shard    int
	pointers []domain.RecordPointer
	ids      []string
}

// group splits entries per shard keeping first-seen order. Entries that do not decode
// are returned separately so they can be acknowledged and dropped.
func group(entries []Entry) ([]*shardGroup, []string) {
	var (
		groups []*shardGroup
		byKey  = make(map[int]*shardGroup)
		bad    []string
	)

	for _, e := range entries {
		ptr, err := domain.ParseRecordPointer([]byte(e.Fields[fieldPayload]))
		if err != nil {
			bad = append(bad, e.ID)
			continue
		}

		g, ok := byKey[ptr.ShardKey]
		if !ok {
			g = &shardGroup{shard: ptr.ShardKey}
			byKey[ptr.ShardKey] = g
			groups = append(groups, g)
		}
		g.pointers = append(g.pointers, ptr)
		g.ids = append(g.ids, e.ID)
	}

	return groups, bad
}

// dispatch hands every shard group to handle and acks it. It reports false when an ack
// failed.
func (s *Service) dispatch(ctx context.Context, entries []Entry, handle Handler) bool {
	groups, bad := group(entries)
	acked := true

	if len(bad) > 0 {
		s.log.Warn().Strs("entries", bad).Msg("dropping undecodable stream entries")
		if err := s.client.Ack(ctx, s.cfg.Stream, s.cfg.Group, bad...); err != nil {
			s.log.Error().Err(err).Msg("could not ack undecodable entries")
			acked = false
		}
	}

	for _, g := range groups {
		err := handle(ctx, g.shard, g.pointers)
		if ctx.Err() != nil {
			// left pending, redelivered on restart
			return acked
		}
		if err != nil {
			// record state is authoritative, the periodic cycle picks these up
			s.log.Warn().Err(err).Int("shard", g.shard).Int("pointers", len(g.pointers)).Msg("handler failed")
		}

		if err := s.client.Ack(ctx, s.cfg.Stream, s.cfg.Group, g.ids...); err != nil {
			s.log.Error().Err(err).Int("shard", g.shard).Msg("could not ack entries")
			acked = false
		}
	}

	return acked
}

func (s *Service) Close() {
	s.client.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
