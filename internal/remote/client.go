package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/fecore/internal/ir"
)

// StatusError is a non-success response from a relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Client is a Remote backed by a relay Server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	logger *slog.Logger
	nextID atomic.Uint64
}

var _ Remote = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the relay at baseURL (http or https).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping implements Replica.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.endpoint(nil, "v1", "ping"), nil, nil)
}

// Upsert implements Replica.
func (c *Client) Upsert(ctx context.Context, table string, row Row) error {
	body, err := ir.MarshalCanonical(map[string]any(row))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, row.ID(), err)
	}
	u := c.endpoint(nil, "v1", "tables", table, "rows")
	return c.do(ctx, http.MethodPut, u, body, nil)
}

// Delete implements Replica.
func (c *Client) Delete(ctx context.Context, table string, key Row) error {
	q := url.Values{}
	if dev := key.UpdatedDevice(); dev != "" {
		q.Set("device", dev)
	}
	u := c.endpoint(q, "v1", "tables", table, "rows", key.Partition(), key.ID())
	return c.do(ctx, http.MethodDelete, u, nil, nil)
}

// Select implements Replica.
func (c *Client) Select(ctx context.Context, table, partition string) ([]Row, error) {
	u := c.endpoint(url.Values{"partition": {partition}}, "v1", "tables", table, "rows")
	var resp rowsResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// Subscribe implements Realtime. It dials one websocket per subscription
// and returns once the relay acknowledges it.
func (c *Client) Subscribe(ctx context.Context, filter Filter, handler Handler) (*Subscription, error) {
	wsURL := c.base.JoinPath("v1", "realtime")
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	if err := conn.WriteJSON(wireMessage{Type: msgSubscribe, Filter: &filter}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime subscribe: %w", err)
	}
	var ack wireMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime subscribe: %w", err)
	}
	if ack.Type != msgSubscribed {
		conn.Close()
		return nil, fmt.Errorf("realtime subscribe: %s", ack.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := newSubscription(fmt.Sprintf("ws-%d-%s", c.nextID.Add(1), ack.SubID), filter)
	sub.teardown = func() { conn.Close() }
	go c.readLoop(conn, sub, handler)
	return sub, nil
}

// Unsubscribe implements Realtime.
func (c *Client) Unsubscribe(sub *Subscription) error {
	if sub != nil {
		sub.end(nil)
	}
	return nil
}

// readLoop delivers changes in arrival order until the connection ends.
func (c *Client) readLoop(conn *websocket.Conn, sub *Subscription, handler Handler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sub.Active() {
				sub.end(fmt.Errorf("realtime connection lost: %w", err))
			}
			return
		}

		var msg wireMessage
		if err := ir.DecodeJSON(data, &msg); err != nil {
			c.logger.Warn("realtime message undecodable", "subscription", sub.ID, "err", err)
			continue
		}
		switch msg.Type {
		case msgChange:
			if msg.Change != nil {
				handler(*msg.Change)
			}
		case msgError:
			sub.end(fmt.Errorf("realtime: %s", msg.Error))
			return
		}
	}
}

// endpoint joins path segments onto the base URL, escaping each one.
func (c *Client) endpoint(q url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	u := c.base.JoinPath(escaped...)
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends one request. A non-2xx response becomes a *StatusError; out,
// if non-nil, receives the decoded JSON body.
func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorResponse
		msg := strings.TrimSpace(string(data))
		if ir.DecodeJSON(data, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := ir.DecodeJSON(data, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, req.URL.Path, err)
		}
	}
	return nil
}
