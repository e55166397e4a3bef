// Package notebookws is the websocket client of the collaborative notebook
// service. Queries wait for a response; mutations are sent without waiting,
// their outcome arrives as push events.
package notebookws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"pkt.systems/nbsync/core"
	"pkt.systems/nbsync/internal/version"
	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"
)

// Config describes a notebook service connection.
type Config struct {
	URL    string
	Token  string
	UserID schema.UserID
	// RequestTimeout bounds queries waiting for a response.
	RequestTimeout time.Duration
	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration
	// EventBuffer is the number of push events held for the consumer.
	EventBuffer int
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultEventBuffer    = 1024
)

// ErrClosed reports use of a closed client.
var ErrClosed = errors.New("notebook service connection closed")

// Client implements core.NotebookService over one websocket.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	logger pslog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope
	closed  bool
	err     error

	events chan schema.PushEvent
	done   chan struct{}
}

// Dial connects to the notebook service.
func Dial(ctx context.Context, cfg Config, logger pslog.Logger) (*Client, error) {
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	endpoint, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, core.NewRemoteError(core.RemoteErrorProtocol, "connect", err)
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.UserID != "" {
		header.Set("X-Nbsync-User", string(cfg.UserID))
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.RequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, core.NewRemoteError(core.RemoteErrorUnauthorized, "connect", err)
			}
			return nil, core.NewRemoteError(core.RemoteErrorRejected, "connect", fmt.Errorf("%s: %w", resp.Status, err))
		}
		if ctx.Err() != nil {
			return nil, core.NewRemoteError(core.RemoteErrorCanceled, "connect", err)
		}
		return nil, core.NewRemoteError(core.RemoteErrorUnavailable, "connect", err)
	}
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		logger:  logger.With("notebook_service", endpoint),
		pending: make(map[string]chan Envelope),
		events:  make(chan schema.PushEvent, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.logger.Info("notebook service connected")
	return c, nil
}

func websocketURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("notebook service url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported notebook service scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("notebook service url has no host")
	}
	return u.String(), nil
}

func (c *Client) readLoop() {
	var err error
	for {
		var env Envelope
		_, data, rerr := c.conn.ReadMessage()
		if rerr != nil {
			err = rerr
			break
		}
		if uerr := json.Unmarshal(data, &env); uerr != nil {
			c.logger.Debug("notebook service frame decode failed", "err", uerr)
			continue
		}
		switch env.Kind {
		case KindResponse:
			c.deliver(env)
		case KindEvent:
			if env.Event == nil {
				continue
			}
			select {
			case c.events <- *env.Event:
			case <-c.done:
				c.shutdown(ErrClosed)
				return
			}
		default:
			c.logger.Debug("notebook service frame ignored", "kind", env.Kind)
		}
	}
	c.shutdown(err)
}

func (c *Client) deliver(env Envelope) {
	c.mu.Lock()
	ch := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("notebook service response without request", "id", env.ID)
		return
	}
	ch <- env
}

// shutdown fails pending queries and ends the event stream.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.err == nil {
		if cause == nil || c.closed {
			cause = ErrClosed
		}
		c.err = cause
	}
	wasClosed := c.closed
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan Envelope)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if !wasClosed {
		c.logger.Warn("notebook service connection lost", "err", cause)
		close(c.done)
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.err = ErrClosed
	close(c.done)
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

func (c *Client) envelope(method string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, core.NewRemoteError(core.RemoteErrorProtocol, method, err)
	}
	return Envelope{Kind: KindRequest, ID: ulid.Make().String(), Method: method, Payload: raw}, nil
}

// send writes a request without waiting for an answer.
func (c *Client) send(method string, payload any) error {
	env, err := c.envelope(method, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed, cause := c.closed, c.err
	c.mu.Unlock()
	if closed {
		return core.NewRemoteError(core.RemoteErrorUnavailable, method, cause)
	}
	if err := c.write(env); err != nil {
		return core.NewRemoteError(core.RemoteErrorUnavailable, method, err)
	}
	c.logger.Trace("notebook service request sent", "method", method, "id", env.ID)
	return nil
}

// call writes a request and decodes its response into out.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	env, err := c.envelope(method, payload)
	if err != nil {
		return err
	}
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	if c.closed {
		cause := c.err
		c.mu.Unlock()
		return core.NewRemoteError(core.RemoteErrorUnavailable, method, cause)
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}
	if err := c.write(env); err != nil {
		forget()
		return core.NewRemoteError(core.RemoteErrorUnavailable, method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.NewRemoteError(core.RemoteErrorTimeout, method, ctx.Err())
		}
		return core.NewRemoteError(core.RemoteErrorCanceled, method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			cause := c.err
			c.mu.Unlock()
			return core.NewRemoteError(core.RemoteErrorUnavailable, method, cause)
		}
		if resp.Error != nil {
			return responseError(method, resp.Error)
		}
		if out == nil || len(resp.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return core.NewRemoteError(core.RemoteErrorProtocol, method, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
}

func responseError(method string, wire *WireError) error {
	kind := core.RemoteErrorRejected
	switch wire.Code {
	case "unauthorized", "forbidden":
		kind = core.RemoteErrorUnauthorized
	case "unavailable":
		kind = core.RemoteErrorUnavailable
	case "timeout":
		kind = core.RemoteErrorTimeout
	}
	message := wire.Message
	if message == "" {
		message = wire.Code
	}
	return &core.RemoteError{Kind: kind, Op: method, Message: message}
}

func (c *Client) OpenNotebook(ctx context.Context, req schema.OpenNotebookRequest) error {
	return c.call(ctx, MethodOpenNotebook, req, nil)
}

func (c *Client) GetNotebookContents(ctx context.Context, notebookID schema.NotebookID) (schema.NotebookContents, error) {
	var contents schema.NotebookContents
	err := c.call(ctx, MethodGetNotebookContents, notebookIDPayload{NotebookID: notebookID}, &contents)
	return contents, err
}

func (c *Client) CreateNotebook(ctx context.Context, req schema.CreateNotebookRequest) (schema.Notebook, error) {
	var nb schema.Notebook
	err := c.call(ctx, MethodCreateNotebook, req, &nb)
	return nb, err
}

func (c *Client) CreateCell(ctx context.Context, req schema.CreateCellRequest) error {
	return c.send(MethodCreateCell, req)
}

func (c *Client) DeleteCell(ctx context.Context, req schema.DeleteCellRequest) error {
	return c.send(MethodDeleteCell, req)
}

func (c *Client) LockCell(ctx context.Context, req schema.LockCellRequest) error {
	return c.send(MethodLockCell, req)
}

func (c *Client) UnlockCell(ctx context.Context, req schema.UnlockCellRequest) error {
	return c.send(MethodUnlockCell, req)
}

func (c *Client) EditCell(ctx context.Context, req schema.EditCellRequest) error {
	return c.send(MethodEditCell, req)
}

func (c *Client) PublishOutputs(ctx context.Context, req schema.PublishOutputsRequest) error {
	return c.send(MethodPublishOutputs, req)
}

func (c *Client) LeaveNotebook(ctx context.Context, req schema.LeaveNotebookRequest) error {
	return c.send(MethodLeaveNotebook, req)
}

// Events returns the push event stream. Events queued before the
// connection dropped are still delivered; after that Next returns the
// cause of the drop, or io.EOF after Close.
func (c *Client) Events() core.PushStream {
	return &pushStream{client: c}
}

type pushStream struct {
	client *Client
}

func (s *pushStream) Next(ctx context.Context) (schema.PushEvent, error) {
	c := s.client
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case <-ctx.Done():
		return schema.PushEvent{}, ctx.Err()
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
		}
		c.mu.Lock()
		cause := c.err
		c.mu.Unlock()
		if errors.Is(cause, ErrClosed) {
			return schema.PushEvent{}, io.EOF
		}
		return schema.PushEvent{}, core.NewRemoteError(core.RemoteErrorUnavailable, "events", cause)
	}
}

func (s *pushStream) Close() error {
	return nil
}
