// Package ws maintains the WebSocket session with the tutoring backend:
// heartbeat, reconnection with backoff, and envelope dispatch.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/alert"
	"github.com/lingopod/avatarclient/internal/bus"
	"github.com/lingopod/avatarclient/internal/protocol"
)

// ConnState is the connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateGaveUp
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave_up"
	default:
		return "disconnected"
	}
}

// Config tunes the connection manager.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectFactor   float64
	MaxRetries        int
	SettleDelay       time.Duration
}

// DefaultConfig mirrors production timing.
func DefaultConfig() *Config {
	return &Config{
		URL:               "ws://localhost:8080/ws",
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		HeartbeatTimeout:  3 * time.Second,
		ReconnectBase:     1 * time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectFactor:   1.5,
		MaxRetries:        5,
		SettleDelay:       1 * time.Second,
	}
}

// LoadingClearer is what the give-up path needs from the message store.
type LoadingClearer interface {
	ClearAllLoading()
}

// Client is the connection manager. It owns one connection at a time and
// transparently reconnects until the retry budget runs out.
type Client struct {
	logger  zerolog.Logger
	config  *Config
	bus     *bus.EventBus
	alerts  *alert.Alerter
	loaders LoadingClearer

	mu         sync.Mutex
	conn       *websocket.Conn
	state      ConnState
	lastPong   time.Time
	onEnvelope func(protocol.Envelope)
	cancel     context.CancelFunc
	done       chan struct{}
	closing    bool
}

// NewClient creates a disconnected client. alerts and loaders may be nil
// (give-up then only logs).
func NewClient(logger zerolog.Logger, cfg *Config, eventBus *bus.EventBus, alerts *alert.Alerter, loaders LoadingClearer) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		logger:  logger.With().Str("component", "ws").Logger(),
		config:  cfg,
		bus:     eventBus,
		alerts:  alerts,
		loaders: loaders,
	}
}

// SetOnEnvelope registers the inbound envelope handler. Call before Run.
func (c *Client) SetOnEnvelope(fn func(protocol.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnvelope = fn
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) publish(t bus.EventType, data map[string]any) {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

// backoffDelay computes min(base*factor^attempt, max) for attempt 0..n.
func backoffDelay(base, max time.Duration, factor float64, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if d > max || d < 0 {
		return max
	}
	return d
}

// Run connects and keeps the session alive until ctx is canceled, the
// backend closes cleanly, or the retry budget is exhausted.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.runLoop(ctx)
	}()
}

func (c *Client) runLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		if attempt > 0 {
			c.publish(bus.EventTypeReconnecting, map[string]any{"attempt": attempt})
		}

		dialed, clean, err := c.session(ctx)
		if dialed {
			// A successful connection restores the full retry budget.
			attempt = 0
		}
		if ctx.Err() != nil || c.isClosing() {
			c.setState(StateDisconnected)
			return
		}
		if clean {
			// Normal closure (1000): the backend ended the session on
			// purpose, never reconnect.
			c.logger.Info().Msg("Connection closed cleanly")
			c.setState(StateDisconnected)
			c.publish(bus.EventTypeDisconnected, map[string]any{"clean": true})
			return
		}

		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Connection lost")
		}
		c.publish(bus.EventTypeDisconnected, map[string]any{"clean": false})

		if attempt >= c.config.MaxRetries {
			c.giveUp()
			return
		}

		delay := backoffDelay(c.config.ReconnectBase, c.config.ReconnectMax, c.config.ReconnectFactor, attempt)
		attempt++
		c.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("Reconnecting")
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// session dials once and serves the connection until it drops. Returns
// clean=true on a normal-closure close frame.
func (c *Client) session(ctx context.Context) (dialed, clean bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		if resp != nil {
			c.logger.Error().Int("status", resp.StatusCode).Err(err).Msg("WebSocket handshake failed")
		}
		return false, false, fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.lastPong = time.Now()
	c.mu.Unlock()

	c.logger.Info().Str("url", c.config.URL).Msg("Connected")
	c.publish(bus.EventTypeConnected, nil)

	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()

	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		c.heartbeat(sessCtx, conn)
	}()

	clean, err = c.readLoop(conn)

	sessCancel()
	conn.Close()
	hbWg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	return true, clean, err
}

// heartbeat writes the ping token on an interval and forces a reconnect
// when the pong token goes missing for interval+timeout.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		silent := time.Since(c.lastPong)
		c.mu.Unlock()
		if silent > c.config.HeartbeatInterval+c.config.HeartbeatTimeout {
			c.logger.Warn().Dur("silent", silent).Msg("Heartbeat missed, forcing reconnect")
			c.publish(bus.EventTypeHeartbeatMiss, map[string]any{"silent": silent.String()})
			conn.Close()
			return
		}

		if err := c.writeMessage(conn, []byte(protocol.PingToken)); err != nil {
			c.logger.Debug().Err(err).Msg("Heartbeat write failed")
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) (clean bool, err error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return false, err
		}

		if string(data) == protocol.PongToken {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Str("frame", string(data)).Msg("Unparseable frame")
			continue
		}

		c.mu.Lock()
		handler := c.onEnvelope
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// giveUp runs once when the retry budget is spent: one alert, then clear
// every loading state after a settle delay so in-flight UI can catch up.
func (c *Client) giveUp() {
	c.setState(StateGaveUp)
	c.logger.Error().Int("retries", c.config.MaxRetries).Msg("Reconnection failed after maximum retries")

	if c.alerts != nil {
		c.alerts.Raise("ws-open", alert.MsgConnectionLost)
	}
	if c.loaders != nil {
		time.AfterFunc(c.config.SettleDelay, c.loaders.ClearAllLoading)
	}
	c.publish(bus.EventTypeGaveUp, nil)
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// writeMessage serializes writes; gorilla allows one concurrent writer.
func (c *Client) writeMessage(conn *websocket.Conn, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Send marshals and writes an envelope on the active connection.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("ws: not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ws: marshal envelope: %w", err)
	}
	return c.writeMessage(conn, data)
}

// Close ends the session with a normal-closure frame and stops the loop.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
