package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection's observable lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaitingForChallenge
	StateAuthenticating
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaitingForChallenge:
		return "waiting-for-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Call outside the Connected state. Calls
	// are never queued while the handshake is in flight.
	ErrNotConnected = errors.New("gateway: not connected")
	// ErrConnectionClosed fails every outstanding call when the connection
	// tears down.
	ErrConnectionClosed = errors.New("gateway: connection closed")
	// ErrCallTimeout is returned when the server never answers a call.
	ErrCallTimeout = errors.New("gateway: call timed out")
	// ErrClientReused is returned by Connect on a client that has already
	// been connected. One client, one connection; reconnection means a fresh
	// client.
	ErrClientReused = errors.New("gateway: client already used")
)

const (
	defaultCallTimeout = 30 * time.Second
	handshakeTimeout   = 15 * time.Second
	dialTimeout        = 10 * time.Second
)

// Config parameterizes a Client.
type Config struct {
	// URL is the gateway websocket endpoint, e.g. "ws://127.0.0.1:20000/".
	URL string
	// Token is the instance's gateway auth secret. Optional; when empty no
	// auth block is sent.
	Token string
	// Client identifies this client in the connect handshake.
	Client ClientInfo
	// Role, Scopes, and Caps are the session's requested grants.
	Role   string
	Scopes []string
	Caps   []string
	// CallTimeout bounds each method call. Defaults to 30s. A server that
	// never answers must not leak an awaiter forever.
	CallTimeout time.Duration

	// OnState observes connection state transitions; reason is non-nil for
	// StateError. OnEvent receives every non-handshake server event. OnGap
	// fires when an event sequence number skips ahead. OnHello delivers the
	// connect response payload once authenticated. All callbacks run on the
	// connection's read goroutine and must not block.
	OnState func(state State, reason error)
	OnEvent func(evt Event)
	OnGap   func(expected, received int64)
	OnHello func(payload json.RawMessage)
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// Client is a single-connection gateway protocol client. It is safe for
// concurrent Call from many goroutines; responses are matched by request ID
// and may resolve in any order. A client is single-use: once torn down it
// stays down, and the caller builds a new one to reconnect.
type Client struct {
	cfg Config

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	pending     map[string]chan callResult
	handshakeID string
	lastSeq     int64
	seenSeq     bool
	used        bool
	torn        bool

	// writeMu serializes socket writes; the websocket permits one writer.
	writeMu sync.Mutex

	connected chan error
}

// NewClient builds a client; no I/O happens until Connect.
func NewClient(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Client{
		cfg:       cfg,
		state:     StateDisconnected,
		pending:   make(map[string]chan callResult),
		connected: make(chan error, 1),
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway and runs the handshake: the server pushes a
// connect.challenge event, and only then does the client send its connect
// request. Connect blocks until the session is authenticated or fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrClientReused
	}
	c.used = true
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		err = fmt.Errorf("gateway: dial %s: %w", c.cfg.URL, err)
		c.teardown(err, StateError)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateWaitingForChallenge
	c.mu.Unlock()
	c.notifyState(StateWaitingForChallenge, nil)

	go c.readLoop(conn)

	select {
	case err := <-c.connected:
		return err
	case <-ctx.Done():
		c.teardown(ctx.Err(), StateError)
		return ctx.Err()
	case <-time.After(handshakeTimeout):
		err := fmt.Errorf("gateway: handshake timed out after %s", handshakeTimeout)
		c.teardown(err, StateError)
		return err
	}
}

// Call sends a method request and blocks until the matching response, the
// per-call timeout, ctx cancellation, or connection teardown. Concurrent
// calls multiplex freely; there is no head-of-line blocking.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, c.state)
	}
	id := uuid.NewString()
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("gateway: send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, c.cfg.CallTimeout)
	}
}

// Disconnect closes the connection. Outstanding calls fail with
// ErrConnectionClosed. Safe to call more than once.
func (c *Client) Disconnect() {
	c.teardown(nil, StateDisconnected)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.teardown(fmt.Errorf("gateway: read: %w", err), StateError)
			return
		}
		switch f.Type {
		case "res":
			c.handleResponse(&f)
		case "event":
			c.handleEvent(&f)
		default:
			slog.Debug("gateway: ignoring unknown frame type", "type", f.Type)
		}
	}
}

func (c *Client) handleEvent(f *frame) {
	if f.Event == EventChallenge {
		c.handleChallenge(f)
		return
	}

	var gapExpected, gapReceived int64
	c.mu.Lock()
	if c.seenSeq && f.Seq > c.lastSeq+1 {
		gapExpected, gapReceived = c.lastSeq+1, f.Seq
	}
	c.lastSeq = f.Seq
	c.seenSeq = true
	onEvent := c.cfg.OnEvent
	onGap := c.cfg.OnGap
	c.mu.Unlock()

	// Gap detection is informational only; the event itself still delivers.
	if gapReceived != 0 && onGap != nil {
		onGap(gapExpected, gapReceived)
	}
	if onEvent != nil {
		onEvent(Event{Name: f.Event, Payload: f.Payload, Seq: f.Seq})
	}
}

// handleChallenge answers the server's connect.challenge by sending the
// connect request. The nonce only gates timing; it is not echoed back.
func (c *Client) handleChallenge(f *frame) {
	c.mu.Lock()
	if c.state != StateWaitingForChallenge {
		c.mu.Unlock()
		slog.Debug("gateway: ignoring duplicate challenge")
		return
	}
	c.state = StateAuthenticating
	c.handshakeID = uuid.NewString()
	id := c.handshakeID
	conn := c.conn
	c.mu.Unlock()
	c.notifyState(StateAuthenticating, nil)

	var ch challengePayload
	_ = json.Unmarshal(f.Payload, &ch)

	params := connectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client:      c.cfg.Client,
		Role:        c.cfg.Role,
		Scopes:      c.cfg.Scopes,
		Caps:        c.cfg.Caps,
	}
	if c.cfg.Token != "" {
		params.Auth = &connectAuth{Token: c.cfg.Token}
	}

	if err := c.writeFrame(conn, frame{Type: "req", ID: id, Method: "connect", Params: params}); err != nil {
		c.teardown(fmt.Errorf("gateway: send connect: %w", err), StateError)
	}
}

func (c *Client) handleResponse(f *frame) {
	ok := f.OK != nil && *f.OK

	c.mu.Lock()
	if f.ID == c.handshakeID && c.state == StateAuthenticating {
		if !ok {
			c.mu.Unlock()
			err := error(f.Error)
			if f.Error == nil {
				err = errors.New("gateway: connect rejected")
			}
			c.teardown(err, StateError)
			return
		}
		c.state = StateConnected
		onHello := c.cfg.OnHello
		c.mu.Unlock()
		c.notifyState(StateConnected, nil)
		select {
		case c.connected <- nil:
		default:
		}
		if onHello != nil {
			onHello(f.Payload)
		}
		return
	}

	ch, found := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !found {
		slog.Debug("gateway: response for unknown request", "id", f.ID)
		return
	}
	if ok {
		ch <- callResult{payload: f.Payload}
		return
	}
	err := error(f.Error)
	if f.Error == nil {
		err = errors.New("gateway: request failed")
	}
	ch <- callResult{err: err}
}

// teardown closes the socket, fails every outstanding awaiter, and parks the
// state machine. It runs at most once; later calls are no-ops.
func (c *Client) teardown(reason error, final State) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.state = final
	c.mu.Unlock()

	// Unblock a Connect still waiting on the handshake.
	handshakeErr := reason
	if handshakeErr == nil {
		handshakeErr = ErrConnectionClosed
	}
	select {
	case c.connected <- handshakeErr:
	default:
	}

	if conn != nil {
		if final == StateDisconnected {
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}
		_ = conn.Close()
	}

	callErr := reason
	if callErr == nil {
		callErr = ErrConnectionClosed
	}
	for _, ch := range pending {
		ch <- callResult{err: callErr}
	}
	c.notifyState(final, reason)
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	if conn == nil {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) notifyState(s State, reason error) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s, reason)
	}
}
