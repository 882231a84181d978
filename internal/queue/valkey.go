package queue

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/valkey-io/valkey-go"
)

// ValkeyClient is the stream client backed by a Valkey server.
type ValkeyClient struct {
	client valkey.Client
}

// NewValkeyClient connects to Valkey and pings it before returning.
func NewValkeyClient(cfg domain.ValkeyConfig) (*ValkeyClient, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Valkey")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to ping Valkey")
	}

	return &ValkeyClient{client: client}, nil
}

// Client returns the underlying connection for other Valkey users such as the rate
// limiter.
func (c *ValkeyClient) Client() valkey.Client {
	return c.client
}

func (c *ValkeyClient) Ping(ctx context.Context) error {
	return c.client.Do(ctx, c.client.B().Ping().Build()).Error()
}

func (c *ValkeyClient) Add(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cmd valkey.Completed
	if maxLen > 0 {
		fv := c.client.B().Xadd().Key(stream).Maxlen().Almost().Threshold(strconv.FormatInt(maxLen, 10)).Id("*").FieldValue()
		for _, k := range keys {
			fv = fv.FieldValue(k, fields[k])
		}
		cmd = fv.Build()
	} else {
		fv := c.client.B().Xadd().Key(stream).Id("*").FieldValue()
		for _, k := range keys {
			fv = fv.FieldValue(k, fields[k])
		}
		cmd = fv.Build()
	}

	id, err := c.client.Do(ctx, cmd).ToString()
	if err != nil {
		return "", errors.Wrap(err, "xadd %s", stream)
	}
	return id, nil
}

func (c *ValkeyClient) CreateGroup(ctx context.Context, stream string, group string) error {
	err := c.client.Do(ctx, c.client.B().XgroupCreate().Key(stream).Group(group).Id("$").Mkstream().Build()).Error()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "xgroup create %s %s", stream, group)
	}
	return nil
}

func (c *ValkeyClient) ReadGroup(ctx context.Context, stream string, group string, consumer string, id string, count int64, block time.Duration) ([]Entry, error) {
	var cmd valkey.Completed
	if block > 0 {
		cmd = c.client.B().Xreadgroup().Group(group, consumer).Count(count).Block(block.Milliseconds()).Streams().Key(stream).Id(id).Build()
	} else {
		cmd = c.client.B().Xreadgroup().Group(group, consumer).Count(count).Streams().Key(stream).Id(id).Build()
	}

	res, err := c.client.Do(ctx, cmd).AsXRead()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "xreadgroup %s", stream)
	}

	raw := res[stream]
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, Entry{ID: e.ID, Fields: e.FieldValues})
	}
	return entries, nil
}

func (c *ValkeyClient) Ack(ctx context.Context, stream string, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.Do(ctx, c.client.B().Xack().Key(stream).Group(group).Id(ids...).Build()).Error(); err != nil {
		return errors.Wrap(err, "xack %s", stream)
	}
	return nil
}

func (c *ValkeyClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
