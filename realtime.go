package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Command is a client-to-server frame.
type Command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const (
	CommandJoin  = "conversation.join"
	CommandLeave = "conversation.leave"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token                string
	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

// markConnected restores the full attempt budget after any successful dial.
func (r *reconnector) markConnected() {
	r.attempt = 0
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport multiplexes conversation subscriptions over one WebSocket.
// Events are delivered to handlers synchronously and in frame order.
type WSTransport struct {
	baseURL string
	config  RealtimeConfig
	log     *zap.Logger
	recon   *reconnector

	ctx    context.Context
	cancel context.CancelFunc

	dialMu sync.Mutex

	router *feedRouter

	mu       sync.Mutex
	conn     *websocket.Conn
	state    RealtimeState
	connCtx  context.CancelFunc
	everConn bool
}

// NewWSTransport creates a transport for the realtime endpoint under baseURL
// (http/https URLs are rewritten to ws/wss).
func NewWSTransport(baseURL string, config RealtimeConfig) *WSTransport {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		log:     config.Logger,
		recon:   newReconnector(&config),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateDisconnected,
		router:  newFeedRouter(config.Logger),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe connects if needed and joins the conversation room.
func (t *WSTransport) Subscribe(ctx context.Context, conv ConversationKey, h Handlers) (Subscription, error) {
	if err := t.connect(ctx); err != nil {
		if KindOf(err) != 0 {
			return nil, err
		}
		return nil, newError(KindNetwork, "subscribe", "", err)
	}
	sub, first := t.router.add(conv, h, t.leave)
	if first {
		if err := t.send(ctx, Command{Type: CommandJoin, Payload: conv}); err != nil {
			t.router.remove(sub)
			return nil, newError(KindNetwork, "subscribe", "", err)
		}
	}
	t.log.Debug("realtime_subscribed", zap.String("conversation", conv.String()))
	return sub, nil
}

func (t *WSTransport) leave(conv ConversationKey) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.send(ctx, Command{Type: CommandLeave, Payload: conv})
}

// Close disconnects and stops reconnecting.
func (t *WSTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	if t.connCtx != nil {
		t.connCtx()
		t.connCtx = nil
	}
	t.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *WSTransport) dialURL() string {
	u := strings.Replace(t.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(t.config.Token)
}

func (t *WSTransport) connect(ctx context.Context) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return ErrClosed
	}
	t.state = StateConnecting
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.dialURL(), &websocket.DialOptions{HTTPClient: t.config.HTTPClient})
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// first frame must be "authenticated"
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		if env.Type == EventError {
			return newError(KindPermission, "connect", "", fmt.Errorf("realtime auth rejected: %s", env.Payload))
		}
		return fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	if t.connCtx != nil {
		t.connCtx()
	}
	t.conn = conn
	t.state = StateConnected
	t.connCtx = cancel
	reconnected := t.everConn
	t.everConn = true
	t.mu.Unlock()
	t.recon.markConnected()
	t.log.Info("realtime_connected", zap.Bool("reconnect", reconnected))

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)

	// rooms joined before the drop, whoever redials
	if reconnected {
		for _, k := range t.router.rooms() {
			if err := t.send(ctx, Command{Type: CommandJoin, Payload: k}); err != nil {
				t.log.Warn("realtime_rejoin_failed", zap.String("conversation", k.String()), zap.Error(err))
			}
		}
		go t.router.reconnected()
	}
	return nil
}

func (t *WSTransport) setState(s RealtimeState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *WSTransport) send(ctx context.Context, cmd Command) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
			}
			t.mu.Unlock()
			t.log.Warn("realtime_disconnected", zap.Error(err))

			if !t.config.DisableReconnect {
				t.reconnectLoop()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			t.log.Debug("realtime_frame_malformed", zap.Int("bytes", len(data)))
			continue
		}
		t.dispatch(env)
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					t.log.Warn("realtime_heartbeat_failed", zap.Error(err))
				}
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop redials with backoff. connect rejoins every room and fires
// OnReconnect so the owners can check for events missed while down.
func (t *WSTransport) reconnectLoop() {
	for t.recon.shouldReconnect() {
		delay := t.recon.nextDelay()
		t.setState(StateReconnecting)
		t.log.Info("realtime_reconnecting", zap.Int("attempt", t.recon.attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		dialCtx, cancel := context.WithTimeout(t.ctx, t.config.ReconnectMaxDelay)
		err := t.connect(dialCtx)
		cancel()
		if err != nil {
			t.log.Warn("realtime_reconnect_failed", zap.Error(err))
			continue
		}
		return
	}
	t.setState(StateDisconnected)
	t.log.Error("realtime_reconnect_exhausted", zap.Int("attempts", t.recon.attempt))
}

func (t *WSTransport) dispatch(env Envelope) {
	switch {
	case env.Type == EventError:
		t.log.Warn("realtime_server_error", zap.ByteString("payload", env.Payload))
	case isFeedEvent(env.Type):
		if _, err := t.router.dispatch(env); err != nil {
			t.log.Debug("realtime_event_malformed", zap.String("type", env.Type), zap.Error(err))
		}
	}
}
