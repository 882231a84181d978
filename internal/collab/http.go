package collab

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flurbudurbur/fieldsync/internal/domain"
	"github.com/flurbudurbur/fieldsync/internal/logger"
	"github.com/flurbudurbur/fieldsync/pkg/errors"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

// HTTPClient talks to the collaborating services over JSON/HTTP. Entity types without
// a configured base URL are served by Discard.
type HTTPClient struct {
	log   zerolog.Logger
	http  *http.Client
	bases map[domain.EntityType]string
}

func NewHTTPClient(log logger.Logger, cfg domain.CollabConfig, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	bases := make(map[domain.EntityType]string, 3)
	for t, u := range map[domain.EntityType]string{
		domain.EntityTypeSpecies:    cfg.SpeciesURL,
		domain.EntityTypeFossil:     cfg.FossilURL,
		domain.EntityTypeCollection: cfg.CollectionURL,
	} {
		if u != "" {
			bases[t] = strings.TrimRight(u, "/")
		}
	}

	return &HTTPClient{
		log:   log.With().Str("module", "collab").Logger(),
		http:  httpClient,
		bases: bases,
	}
}

func (c *HTTPClient) endpoint(entityType domain.EntityType, id string) (string, bool) {
	base, ok := c.bases[entityType]
	if !ok {
		return "", false
	}
	return base + "/" + url.PathEscape(id), true
}

func (c *HTTPClient) Fetch(ctx context.Context, entityType domain.EntityType, id string) (*Entity, error) {
	u, ok := c.endpoint(entityType, id)
	if !ok {
		return Discard{}.Fetch(ctx, entityType, id)
	}

	var out Entity
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Apply(ctx context.Context, entityType domain.EntityType, change Change) (*Entity, error) {
	u, ok := c.endpoint(entityType, change.ID)
	if !ok {
		return Discard{}.Apply(ctx, entityType, change)
	}

	body, err := json.Marshal(change)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode change")
	}

	var out Entity
	if err := c.do(ctx, http.MethodPut, u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method string, u string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(errors.Join(ErrUnavailable, err), "%s %s", method, u)
	}
	defer resp.Body.Close()

	c.log.Trace().Str("method", method).Str("url", u).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("collab call")

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg)), Err: sentinel}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "could not decode response")
	}
	return nil
}

// Discard accepts every change and knows no entities. It stands in for services that
// are not configured.
type Discard struct{}

func (Discard) Fetch(_ context.Context, _ domain.EntityType, id string) (*Entity, error) {
	return nil, errors.Wrap(ErrNotFound, "entity %s", id)
}

func (Discard) Apply(_ context.Context, _ domain.EntityType, change Change) (*Entity, error) {
	return &Entity{ID: change.ID, Version: change.BaseVersion + 1, UpdatedAt: change.ObservedAt, Data: change.Data}, nil
}
