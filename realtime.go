package pawchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/pawpal/pawchat/internal/logging"
)

// ============================================================================
// Wire Types
// ============================================================================

// Event types sent by the server.
const (
	EventAuthenticated = "authenticated"
	EventChange        = "change"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventPong          = "pong"
	EventError         = "error"
)

// Command types sent by the client.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"
)

// AuthenticatedPayload is sent once a realtime connection is accepted.
type AuthenticatedPayload struct {
	ViewerID string `json:"viewerId"`
}

// TopicPayload carries the topic of a subscribe/unsubscribe command or ack.
type TopicPayload struct {
	Topic string `json:"topic"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Topic   string `json:"topic,omitempty"`
}

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
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
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
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

// ErrNotConnected is returned when a command is sent without a connection.
var ErrNotConnected = errors.New("realtime: not connected")

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
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

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a while starts the backoff over.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket Feed with auto-reconnect and heartbeat.
// Topics subscribed while disconnected are sent on the next connect, and all
// held topics are resubscribed after a reconnect.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	everConnected    bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	viewerID         string

	handlerMu     sync.RWMutex
	handlers      map[string]map[uint64]EventHandler
	nextHandlerID uint64
	onReconnected []func()
	onState       []func(RealtimeState)

	pingMu       sync.Mutex
	pingCounter  uint64
	pendingPings map[string]chan PongPayload
}

// NewRealtimeClient creates a client for the server at baseURL. Call Connect
// to establish the connection.
func NewRealtimeClient(baseURL string, config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &config,
		logger:       logging.Component("realtime"),
		state:        StateDisconnected,
		recon:        newReconnector(&config),
		handlers:     make(map[string]map[uint64]EventHandler),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// WSURL returns the WebSocket endpoint derived from baseURL.
func WSURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}

// OnReconnected implements ReconnectNotifier.
func (rc *RealtimeClient) OnReconnected(h func()) {
	rc.handlerMu.Lock()
	rc.onReconnected = append(rc.onReconnected, h)
	rc.handlerMu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (rc *RealtimeClient) OnStateChange(h func(RealtimeState)) {
	rc.handlerMu.Lock()
	rc.onState = append(rc.onState, h)
	rc.handlerMu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// ViewerID returns the viewer the server authenticated.
func (rc *RealtimeClient) ViewerID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.viewerID
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	changed := rc.state != s
	rc.state = s
	rc.mu.Unlock()
	if changed {
		rc.notifyState(s)
	}
}

func (rc *RealtimeClient) notifyState(s RealtimeState) {
	rc.handlerMu.RLock()
	handlers := append([]func(RealtimeState){}, rc.onState...)
	rc.handlerMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// Connect dials the server, waits for the authenticated event and
// subscribes every held topic. The connection outlives ctx; use Disconnect
// to close it.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.intentionalClose = false
	rc.state = StateConnecting
	rc.mu.Unlock()
	rc.notifyState(StateConnecting)

	header := http.Header{}
	if rc.config.Token != "" {
		header.Set("Authorization", "Bearer "+rc.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, WSURL(rc.baseURL), &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		rc.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rc.mu.Lock()
	rc.conn = conn
	rc.viewerID = auth.ViewerID
	rc.cancelFn = cancel
	reconnected := rc.everConnected
	rc.everConnected = true
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.setState(StateConnected)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	for _, topic := range rc.heldTopics() {
		if err := rc.sendCommand(ctx, CommandSubscribe, topic); err != nil {
			rc.logger.Warn().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}

	if reconnected {
		rc.handlerMu.RLock()
		handlers := append([]func(){}, rc.onReconnected...)
		rc.handlerMu.RUnlock()
		for _, h := range handlers {
			go h()
		}
	}
	rc.logger.Debug().Str("viewer_id", auth.ViewerID).Bool("reconnect", reconnected).Msg("connected")
	return nil
}

// Disconnect gracefully closes the connection.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe implements Feed. The server is asked for the topic when the
// first handler registers for it.
func (rc *RealtimeClient) Subscribe(ctx context.Context, topic string, handler EventHandler) (func(), error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	rc.handlerMu.Lock()
	rc.nextHandlerID++
	id := rc.nextHandlerID
	set := rc.handlers[topic]
	first := set == nil
	if first {
		set = make(map[uint64]EventHandler)
		rc.handlers[topic] = set
	}
	set[id] = handler
	rc.handlerMu.Unlock()

	if first && rc.State() == StateConnected {
		if err := rc.sendCommand(ctx, CommandSubscribe, topic); err != nil {
			rc.removeHandler(topic, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if rc.removeHandler(topic, id) && rc.State() == StateConnected {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rc.sendCommand(ctx, CommandUnsubscribe, topic); err != nil {
					rc.logger.Debug().Err(err).Str("topic", topic).Msg("unsubscribe failed")
				}
			}
		})
	}, nil
}

// removeHandler drops a handler and reports whether the topic became empty.
func (rc *RealtimeClient) removeHandler(topic string, id uint64) bool {
	rc.handlerMu.Lock()
	defer rc.handlerMu.Unlock()
	set := rc.handlers[topic]
	delete(set, id)
	if len(set) == 0 {
		delete(rc.handlers, topic)
		return true
	}
	return false
}

func (rc *RealtimeClient) heldTopics() []string {
	rc.handlerMu.RLock()
	defer rc.handlerMu.RUnlock()
	topics := make([]string, 0, len(rc.handlers))
	for t := range rc.handlers {
		topics = append(topics, t)
	}
	return topics
}

func (rc *RealtimeClient) sendCommand(ctx context.Context, cmdType, topic string) error {
	return rc.Send(ctx, &RealtimeCommand{Type: cmdType, Payload: TopicPayload{Topic: topic}})
}

// Send writes a raw command to the connection.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	rc.pingMu.Lock()
	rc.pingCounter++
	requestID := fmt.Sprintf("ping-%d", rc.pingCounter)
	ch := make(chan PongPayload, 1)
	rc.pendingPings[requestID] = ch
	rc.pingMu.Unlock()

	forget := func() {
		rc.pingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pingMu.Unlock()
	}

	err := rc.Send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(rc.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
			}
			cancel := rc.cancelFn
			rc.cancelFn = nil
			rc.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			if intentional {
				return
			}

			rc.clearPendingPings()
			rc.setState(StateDisconnected)
			rc.logger.Warn().Err(err).Msg("connection lost")

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatch(env)
	}
}

func (rc *RealtimeClient) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case EventChange:
		var event ChangeEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			rc.logger.Debug().Err(err).Msg("bad change payload")
			return
		}
		rc.handlerMu.RLock()
		handlers := make([]EventHandler, 0, len(rc.handlers[event.Topic]))
		for _, h := range rc.handlers[event.Topic] {
			handlers = append(handlers, h)
		}
		rc.handlerMu.RUnlock()
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						rc.logger.Error().Interface("panic", r).Str("topic", event.Topic).Msg("event handler panicked")
					}
				}()
				h(event)
			}()
		}
	case EventPong:
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			rc.pingMu.Lock()
			ch, ok := rc.pendingPings[p.RequestID]
			if ok {
				delete(rc.pendingPings, p.RequestID)
			}
			rc.pingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	case EventError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rc.logger.Warn().Str("code", p.Code).Str("topic", p.Topic).Msg(p.Message)
		}
	case EventSubscribed, EventUnsubscribed:
		var p TopicPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			rc.logger.Debug().Str("event", env.Type).Str("topic", p.Topic).Msg("topic ack")
		}
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if _, err := rc.Ping(ctx); err != nil {
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	for {
		delay := rc.recon.nextDelay()
		rc.setState(StateReconnecting)
		rc.logger.Info().Int("attempt", rc.recon.attempt).Dur("delay", delay).Msg("reconnecting")

		time.Sleep(delay)

		rc.mu.Lock()
		intentional := rc.intentionalClose
		rc.mu.Unlock()
		if intentional {
			return
		}

		rc.setState(StateDisconnected)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rc.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		rc.logger.Warn().Err(err).Msg("reconnect failed")
		if !rc.config.AutoReconnect || !rc.recon.shouldReconnect() {
			rc.setState(StateDisconnected)
			return
		}
	}
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pingMu.Unlock()
}
