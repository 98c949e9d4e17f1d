// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/segmentio/encoding/json"
	"github.com/yosida95/uritemplate/v3"
)

// ConnState is one of the Connection Engine's FSM states (spec.md §4.4).
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateError        ConnState = "error"
)

// RegistrationData is replayed on every (re)connect to build the
// `register` control frame, per spec.md §4.4 and §6.
type RegistrationData struct {
	SessionID   string
	Callback    string
	SessionType string // "local" or "session"
	Token       string
}

var callbackTemplate = uritemplate.MustNew("{host}/c/wwc/{channelUuid}/receive")

// BuildCallback renders the registration callback URL from host and
// channelUUID using a URI template, rather than ad hoc concatenation.
func BuildCallback(host, channelUUID string) string {
	vs := uritemplate.Values{}
	vs.Set("host", uritemplate.String(host))
	vs.Set("channelUuid", uritemplate.String(channelUUID))
	s, err := callbackTemplate.Expand(vs)
	if err != nil {
		// The template is a package-level constant we control; this can
		// only fail on a programmer error, not on caller input.
		return fmt.Sprintf("%s/c/wwc/%s/receive", host, channelUUID)
	}
	return s
}

// Connection is the Connection Engine: transport lifecycle, registration
// handshake, keep-alive, and reconnection, exactly as spec.md §4.4
// describes. It has no knowledge of the Streaming Message Processor; the
// Aggregator wires OnFrame to forward inbound frames.
type Connection struct {
	cfg   Config
	bus   *EventBus
	retry *RetryPolicy
	log   *slog.Logger

	dialer *websocket.Dialer

	// OnFrame is called for every inbound frame that is not itself
	// consumed by the FSM (pong, ready_for_message, error). Set once
	// before Connect by the Aggregator.
	OnFrame func(frame map[string]any)

	mu                sync.Mutex
	conn              *websocket.Conn
	state             ConnState
	reconnectAttempts int
	isRegistered      bool
	registrationData  RegistrationData
	permanent         bool
	autoReconnect     bool

	pingTicker     Ticker
	reconnectTimer Timer

	connectWaiters []chan error

	metrics *Metrics
}

// NewConnection constructs a Connection Engine bound to cfg. bus receives
// connection lifecycle events; retry drives reconnect backoff. A nil
// metrics is replaced with a no-op instrumentation sink.
func NewConnection(cfg Config, bus *EventBus, retry *RetryPolicy, metrics *Metrics) *Connection {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &Connection{
		cfg:           cfg,
		bus:           bus,
		retry:         retry,
		log:           cfg.Logger,
		dialer:        websocket.DefaultDialer,
		state:         StateDisconnected,
		autoReconnect: cfg.AutoReconnect,
		metrics:       metrics,
	}
}

// State returns the current FSM state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// resolveToken returns the token to present at registration, preferring
// a configured oauth2.TokenSource (refreshed on every call) over the
// static SessionToken. An already-expired JWT-shaped static token is
// logged as a warning and still returned (SPEC_FULL.md §4.4).
func (c *Connection) resolveToken(ctx context.Context) string {
	if c.cfg.TokenSource != nil {
		tok, err := c.cfg.TokenSource.Token()
		if err != nil {
			c.log.Warn("token source failed, falling back to static session token", "error", err)
		} else {
			return tok.AccessToken
		}
	}
	if strings.Count(c.cfg.SessionToken, ".") == 2 {
		if exp, ok := jwtExpiry(c.cfg.SessionToken); ok && time.Now().After(exp) {
			c.log.Warn("configured session token is already expired", "expiredAt", exp)
		}
	}
	return c.cfg.SessionToken
}

// Connect dials the transport and drives the FSM from disconnected to
// connecting. The returned error reflects a failed dial; after a
// successful dial it sends the register frame and returns without waiting
// for the server's ready_for_message frame — callers that need to wait
// for the handshake should use ConnectAndWait.
func (c *Connection) Connect(ctx context.Context, reg RegistrationData) error {
	c.mu.Lock()
	c.registrationData = reg
	c.permanent = false
	c.state = StateConnecting
	c.mu.Unlock()

	header := http.Header{}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.SocketURL, header)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		wrapped := transportErrorf(err, "dial %s", c.cfg.SocketURL)
		c.bus.Emit(EventError, ErrorPayload{Err: wrapped})
		c.maybeScheduleReconnect()
		return wrapped
	}

	c.mu.Lock()
	c.conn = conn
	c.isRegistered = false
	c.mu.Unlock()

	go c.readLoop(conn)
	c.sendRegister(ctx)
	return nil
}

// ConnectAndWait dials and blocks until the handshake completes (ready_
// for_message received) or ctx is done.
func (c *Connection) ConnectAndWait(ctx context.Context, reg RegistrationData) error {
	wait := make(chan error, 1)
	c.mu.Lock()
	c.connectWaiters = append(c.connectWaiters, wait)
	c.mu.Unlock()

	if err := c.Connect(ctx, reg); err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) resolveWaiters(err error) {
	c.mu.Lock()
	waiters := c.connectWaiters
	c.connectWaiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (c *Connection) sendRegister(ctx context.Context) {
	c.mu.Lock()
	reg := c.registrationData
	alreadyRegistered := c.isRegistered
	c.mu.Unlock()
	if alreadyRegistered {
		return
	}
	frame := map[string]any{
		"type":         "register",
		"from":         reg.SessionID,
		"callback":     reg.Callback,
		"session_type": reg.SessionType,
	}
	if tok := c.resolveToken(ctx); tok != "" {
		frame["token"] = tok
	}
	if err := c.Send(ctx, frame); err != nil {
		c.log.Warn("registration send failed", "error", err)
	}
}

// Send writes frame to the transport. If the socket is open, it sends
// immediately; if there is no open socket, it fails with
// ErrTransportClosed, per spec.md §4.4's send semantics (the connecting-
// state one-shot-listener variant collapses to ConnectAndWait in this
// port: callers that must send before the handshake completes should
// await ConnectAndWait first).
func (c *Connection) Send(ctx context.Context, frame map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return validationErrorf("marshal outbound frame: %v", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return transportErrorf(err, "write frame")
	}
	return nil
}

// Ping sends a keep-alive frame. Intended to be called by a Ticker
// started when the FSM enters connected.
func (c *Connection) Ping() {
	if err := c.Send(context.Background(), map[string]any{"type": "ping"}); err != nil {
		c.log.Debug("ping send failed", "error", err)
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			c.bus.Emit(EventError, ErrorPayload{Err: transportErrorf(err, "parse inbound frame")})
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame map[string]any) {
	t, _ := frame["type"].(string)
	switch t {
	case "pong":
		return
	case "ready_for_message":
		c.onHandshakeComplete()
		return
	case "error":
		msg, _ := frame["error"].(string)
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "unable to register") || strings.Contains(lower, "already exists") {
			c.mu.Lock()
			c.isRegistered = false
			c.mu.Unlock()
		}
		c.bus.Emit(EventError, ErrorPayload{Err: newError(ErrTransport, "server error: "+msg, nil)})
		return
	}
	if c.OnFrame != nil {
		c.OnFrame(frame)
	}
}

func (c *Connection) onHandshakeComplete() {
	c.mu.Lock()
	c.isRegistered = true
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()
	c.retry.Reset()
	c.pingTicker.Start(c.cfg.PingInterval, c.Ping)
	c.bus.Emit(EventConnected, nil)
	c.bus.Emit(EventConnectionStatusChanged, StateConnected)
	c.resolveWaiters(nil)
}

func (c *Connection) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.isRegistered = false
	c.conn = nil
	c.pingTicker.Stop()
	if c.state != StateDisconnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.bus.Emit(EventDisconnected, err)
	c.bus.Emit(EventConnectionStatusChanged, StateDisconnected)

	if wasConnected {
		c.maybeScheduleReconnect()
	} else {
		c.resolveWaiters(transportErrorf(err, "connection closed before handshake completed"))
	}
}

func (c *Connection) maybeScheduleReconnect() {
	c.mu.Lock()
	permanent := c.permanent
	auto := c.autoReconnect
	attempts := c.reconnectAttempts
	max := c.cfg.MaxReconnectAttempts
	reg := c.registrationData
	c.mu.Unlock()

	if permanent || !auto || attempts >= max {
		return
	}

	c.mu.Lock()
	c.state = StateReconnecting
	c.mu.Unlock()
	c.bus.Emit(EventReconnecting, attempts+1)
	c.metrics.ReconnectAttempt()

	delay := c.retry.Next()
	c.reconnectTimer.Arm(delay, func() {
		c.mu.Lock()
		c.reconnectAttempts++
		c.state = StateConnecting
		c.mu.Unlock()
		_ = c.Connect(context.Background(), reg)
	})
}

// Disconnect transitions to disconnected. When permanent is true,
// auto-reconnect is forced off for the remainder of this instance's
// lifetime.
func (c *Connection) Disconnect(permanent bool) {
	c.mu.Lock()
	if permanent {
		c.permanent = true
		c.autoReconnect = false
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.reconnectTimer.Cancel()
	c.pingTicker.Stop()
	if conn != nil {
		conn.Close()
	}
	c.bus.Emit(EventDisconnected, nil)
}

// Destroy cancels every timer and drops the connection, making the
// instance inert (spec.md §5).
func (c *Connection) Destroy() {
	c.Disconnect(true)
	c.resolveWaiters(ErrTransportClosed)
}

// jwtExpiry parses the unverified claims of a JWT-shaped string to read
// its exp claim. It never validates a signature — the core is not the
// token issuer, it only wants a friendlier pre-flight warning.
func jwtExpiry(token string) (time.Time, bool) {
	claims, err := parseUnverifiedJWTClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	expAny, ok := claims["exp"]
	if !ok {
		return time.Time{}, false
	}
	expFloat, ok := expAny.(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(int64(expFloat), 0), true
}
