package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/config"
	"github.com/abhalala/possync/internal/store"
	"github.com/abhalala/possync/internal/sync"
)

const resubscribeWait = 2 * time.Second

// Client talks to the hosted database over its row-level REST interface and
// its server-sent-event streams. The core treats it purely as
// "write(record) -> ack|error" and "subscribe(table) -> change stream".
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(cfg config.BackendConfig, log *zap.Logger) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		http:    &http.Client{},
		log:     log,
	}

	if c.token != "" {
		if err := c.inspectToken(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// inspectToken reads the access token's claims without verifying the
// signature (verification is the backend's job) to refuse an already-expired
// token at startup and log the remaining lifetime.
func (c *Client) inspectToken() error {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(c.token, claims); err != nil {
		return fmt.Errorf("backend access token is not a valid JWT: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		c.log.Warn("backend access token has no expiry claim")
		return nil
	}

	remaining := time.Until(exp.Time)
	if remaining <= 0 {
		return fmt.Errorf("backend access token expired at %s", exp.Time.Format(time.RFC3339))
	}

	c.log.Info("backend access token loaded",
		zap.Duration("expires_in", remaining))
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// WriteRecord upserts one row keyed by record id. A 4xx answer surfaces as
// ErrNetworkRejected and is never retried by callers; deadline and transport
// failures surface as ErrNetworkTimeout and queue-and-defer.
func (c *Client) WriteRecord(ctx context.Context, kind, recordID string, payload json.RawMessage) error {
	url := fmt.Sprintf("%s/records/%s/%s", c.baseURL, kind, recordID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s: %s", sync.ErrNetworkRejected, resp.Status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("%w: backend returned %s", sync.ErrNetworkTimeout, resp.Status)
}

// FetchRecords returns the current authoritative rows for one kind.
func (c *Client) FetchRecords(ctx context.Context, kind string) ([]store.Record, error) {
	url := fmt.Sprintf("%s/records/%s", c.baseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s records: backend returned %s", kind, resp.Status)
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s records: %w", kind, err)
	}

	records := make([]store.Record, 0, len(rows))
	for _, row := range rows {
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(row, &probe); err != nil || probe.ID == "" {
			c.log.Warn("skipping record without id", zap.String("kind", kind))
			continue
		}
		records = append(records, store.Record{ID: probe.ID, Payload: row})
	}
	return records, nil
}

// SubscribeChanges opens the change-feed stream for one kind and keeps it
// open across drops, resubscribing until the context ends.
func (c *Client) SubscribeChanges(ctx context.Context, kind string) (<-chan sync.ChangeEvent, error) {
	url := fmt.Sprintf("%s/records/%s/feed", c.baseURL, kind)
	return c.subscribe(ctx, url, sync.OriginFeed), nil
}

// SubscribeBroadcast opens the cross-device broadcast stream.
func (c *Client) SubscribeBroadcast(ctx context.Context) (<-chan sync.ChangeEvent, error) {
	url := fmt.Sprintf("%s/broadcast", c.baseURL)
	return c.subscribe(ctx, url, sync.OriginBroadcast), nil
}

// PublishBroadcast pushes a change event to the other devices' broadcast
// subscriptions.
func (c *Client) PublishBroadcast(ctx context.Context, ev sync.ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/broadcast", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast publish: backend returned %s", resp.Status)
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, url string, origin sync.Origin) <-chan sync.ChangeEvent {
	events := make(chan sync.ChangeEvent, 16)

	go func() {
		defer close(events)
		for {
			if err := c.streamOnce(ctx, url, origin, events); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("event stream dropped, resubscribing",
					zap.String("url", url), zap.Error(err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeWait):
			}
		}
	}()

	return events
}

func (c *Client) streamOnce(ctx context.Context, url string, origin sync.Origin, events chan<- sync.ChangeEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev sync.ChangeEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.log.Warn("skipping malformed change event", zap.Error(err))
			continue
		}
		ev.Origin = origin

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// classifyTransportError folds deadline and connection failures into the
// retryable timeout class: the mutation is queued and deferred, never lost.
func (c *Client) classifyTransportError(err error) error {
	return fmt.Errorf("%w: %v", sync.ErrNetworkTimeout, err)
}
