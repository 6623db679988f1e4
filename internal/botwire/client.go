// Package botwire implements the client side of the bot control protocol:
// JSON action requests over a persistent WebSocket, correlated to their
// responses by an echo token.
package botwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"botprobe/internal/logging"
)

const (
	// DefaultTimeout is how long a call waits for its echoed response.
	DefaultTimeout = 25 * time.Second

	defaultPingInterval = 30 * time.Second
	writeWait           = 5 * time.Second
	echoPrefix          = "repro"
)

// ErrClosed reports a send attempted on a client whose connection is gone.
var ErrClosed = errors.New("control connection is closed")

// TimeoutError reports that no response carrying the request's echo token
// arrived in time. The pending entry has already been removed when the error
// is returned.
type TimeoutError struct {
	Action string
	Echo   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %q timed out waiting for response (echo %s)", e.Action, e.Echo)
}

// Config controls a Client.
type Config struct {
	// Token, when set, is presented as a bearer Authorization header at
	// connection time.
	Token string
	// Timeout is the default per-call wait. Defaults to DefaultTimeout.
	Timeout time.Duration
	// PingInterval spaces the keepalive pings on the socket.
	PingInterval time.Duration
	// EchoSeed fixes the per-client token seed. Zero means the wall clock
	// in milliseconds at dial time; tests pin it for stable tokens.
	EchoSeed int64
	// Logger receives discarded-frame and lifecycle diagnostics.
	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	out := c
	out.Token = strings.TrimSpace(out.Token)
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	return out
}

// Request is the outbound wire shape.
type Request struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

// Response is the inbound wire shape for action responses. Frames without an
// echo are event pushes and never reach a caller.
type Response struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
	Echo    string          `json:"echo"`
}

// Failed reports whether the remote rejected the action.
func (r *Response) Failed() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "failed") || r.RetCode != 0
}

type callResult struct {
	resp *Response
	err  error
}

// Client owns one outbound control connection. Each in-flight call is keyed
// by its echo token in an instance-owned pending map, so several independent
// clients can coexist in one process.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	logger logging.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	echoSeed int64
	nextEcho atomic.Uint64

	markOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// Dial connects to the control endpoint at rawURL (ws or wss). When
// cfg.Token is set, the handshake carries an Authorization bearer header.
func Dial(ctx context.Context, rawURL string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("endpoint url is required")
	}

	var header http.Header
	if cfg.Token != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	seed := cfg.EchoSeed
	if seed <= 0 {
		seed = time.Now().UnixMilli()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	group, loopCtx := errgroup.WithContext(loopCtx)

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		logger:   logging.OrNop(cfg.Logger),
		pending:  make(map[string]chan callResult),
		echoSeed: seed,
		closed:   make(chan struct{}),
		cancel:   cancel,
		group:    group,
	}
	group.Go(func() error { return c.readLoop(loopCtx) })
	group.Go(func() error { return c.pingLoop(loopCtx) })
	return c, nil
}

// Send issues one action and waits for its response under the configured
// default timeout.
func (c *Client) Send(ctx context.Context, action string, params any) (*Response, error) {
	return c.SendWithTimeout(ctx, action, params, c.cfg.Timeout)
}

// SendWithTimeout issues one action and waits up to timeout for the response
// carrying the same echo token. On timeout the call fails with a
// *TimeoutError and the pending entry is removed; a late response for that
// token is discarded like any other unmatched frame.
func (c *Client) SendWithTimeout(ctx context.Context, action string, params any, timeout time.Duration) (*Response, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, errors.New("action is required")
	}
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	echo := c.nextEchoToken()
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[echo] = ch
	c.pendingMu.Unlock()

	if err := c.writeJSON(Request{Action: action, Params: params, Echo: echo}); err != nil {
		c.removePending(echo)
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-callCtx.Done():
		c.removePending(echo)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Action: action, Echo: echo}
		}
		return nil, callCtx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

// Close sends a best-effort close frame, tears the connection down, waits
// for the loops, and fails any still-pending calls.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.markClosed()
		c.cancel()

		c.writeMu.Lock()
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		c.closeErr = c.conn.Close()
		_ = c.group.Wait()
		c.failAllPending(ErrClosed)
	})
	return c.closeErr
}

func (c *Client) markClosed() {
	c.markOnce.Do(func() { close(c.closed) })
}

func (c *Client) nextEchoToken() string {
	n := c.nextEcho.Add(1) - 1
	return fmt.Sprintf("%s_%d_%d", echoPrefix, c.echoSeed, n)
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) removePending(echo string) {
	c.pendingMu.Lock()
	delete(c.pending, echo)
	c.pendingMu.Unlock()
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for echo, ch := range c.pending {
		delete(c.pending, echo)
		ch <- callResult{err: err}
	}
}

func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// readLoop processes inbound frames in arrival order until the connection
// dies, then fails everything still waiting.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.markClosed()
			c.failAllPending(fmt.Errorf("control connection lost: %w", err))
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		c.handleFrame(data)
	}
}

// pingLoop keeps intermediaries from idling the socket out.
func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("botwire: discarding malformed frame: %v", err)
		return
	}
	if resp.Echo == "" {
		// Event push, not a response to anything we sent.
		c.logger.Debug("botwire: ignoring event frame (%d bytes)", len(data))
		return
	}

	c.pendingMu.Lock()
	ch := c.pending[resp.Echo]
	delete(c.pending, resp.Echo)
	c.pendingMu.Unlock()
	if ch == nil {
		c.logger.Debug("botwire: no pending call for echo %s", resp.Echo)
		return
	}
	ch <- callResult{resp: &resp}
}
