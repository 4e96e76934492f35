// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// endpointResolver returns the websocket URL of the event gateway.
type endpointResolver interface {
	GatewayEndpoint(ctx context.Context) (string, error)
}

// GatewayClient is the long-lived event gateway connection of one account.
// It reconnects with exponential backoff until Close is called.
type GatewayClient struct {
	id       string
	account  Account
	api      endpointResolver
	cfg      GatewayConfig
	onEvent  func(payload []byte)
	log      zerolog.Logger
	dialer   *websocket.Dialer
	stopOnce sync.Once
	stopChan chan struct{}
	runDone  chan struct{}
	writeMu  sync.Mutex

	// serviceID comes from the endpoint URL and is echoed in ping frames.
	serviceID atomic.Int32
	fragments *fragmentBuffer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
}

var _ Handle = (*GatewayClient)(nil)

// NewGatewayClient creates an unconnected client. onEvent is called on the
// read loop for every event frame, before the frame is acknowledged.
func NewGatewayClient(account Account, api endpointResolver, cfg GatewayConfig, onEvent func(payload []byte), log zerolog.Logger) *GatewayClient {
	id := uuid.NewString()
	return &GatewayClient{
		id:       id,
		account:  account,
		api:      api,
		cfg:      cfg.withDefaults(),
		onEvent:  onEvent,
		log:      log.With().Str("component", "gateway_client").Str("conn_id", id).Logger(),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		stopChan:  make(chan struct{}),
		runDone:   make(chan struct{}),
		fragments: newFragmentBuffer(),
	}
}

// AccountID implements Handle.
func (c *GatewayClient) AccountID() string {
	return c.account.ID
}

// ID identifies this connection instance in logs.
func (c *GatewayClient) ID() string {
	return c.id
}

// Connect dials the gateway and starts the supervising read loop. An error
// is returned only if the first dial fails.
func (c *GatewayClient) Connect(ctx context.Context) error {
	select {
	case <-c.stopChan:
		return ErrAlreadyClosed
	default:
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	go c.run(conn)
	return nil
}

func (c *GatewayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.api.GatewayEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	if u, err := url.Parse(wsURL); err == nil {
		if sid, err := strconv.ParseInt(u.Query().Get("service_id"), 10, 32); err == nil {
			c.serviceID.Store(int32(sid))
		}
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.Header.Get(headerHandshakeStatus) != "" {
			return nil, fmt.Errorf("failed to dial gateway: handshake status %s (%s, auth code %s): %w",
				resp.Header.Get(headerHandshakeStatus),
				resp.Header.Get(headerHandshakeMsg),
				resp.Header.Get(headerHandshakeAuthErrCode),
				err)
		}
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	c.log.Info().Int32("service_id", c.serviceID.Load()).Msg("WebSocket connected")
	return conn, nil
}

func (c *GatewayClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = conn != nil
	c.mu.Unlock()
}

// IsConnected reports whether a websocket is currently open.
func (c *GatewayClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// run listens on conn and reconnects whenever the connection drops.
func (c *GatewayClient) run(conn *websocket.Conn) {
	defer close(c.runDone)
	for {
		err := c.listen(conn)
		c.setConn(nil)
		_ = conn.Close()
		select {
		case <-c.stopChan:
			return
		default:
		}
		c.log.Warn().Err(err).Msg("WebSocket disconnected, reconnecting")

		conn = c.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect dials until it succeeds or the client is closed. Waits double
// after each failure, capped at ReconnectMaxWait.
func (c *GatewayClient) reconnect() *websocket.Conn {
	wait := c.cfg.ReconnectBaseWait
	for {
		select {
		case <-c.stopChan:
			return nil
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.setConn(conn)
			// Close may have raced with the dial.
			select {
			case <-c.stopChan:
				_ = conn.Close()
				return nil
			default:
			}
			return conn
		}

		c.log.Warn().Err(err).Dur("wait", wait).Msg("Reconnection failed")
		wait *= 2
		if wait > c.cfg.ReconnectMaxWait {
			wait = c.cfg.ReconnectMaxWait
		}
	}
}

// listen reads frames until the connection fails. A ping goroutine sends
// ping frames; the server's pong frames keep the read deadline moving.
func (c *GatewayClient) listen(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return readError(err)
		}
		// Any traffic proves the connection is alive.
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if msgType != websocket.BinaryMessage {
			c.log.Trace().Int("message_type", msgType).Msg("Ignoring non-binary gateway message")
			continue
		}
		c.handleFrame(conn, data)
	}
}

// readError marks read deadline expiry as a stale connection.
func readError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrStaleConnection, err)
	}
	return err
}

func (c *GatewayClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, newPingFrame(c.serviceID.Load())); err != nil {
				c.log.Debug().Err(err).Msg("Failed to send ping")
			}
		}
	}
}

// handleFrame decodes one binary frame. Control frames carry ping/pong;
// data frames carry events, which are acknowledged after the handler
// returns.
func (c *GatewayClient) handleFrame(conn *websocket.Conn, data []byte) {
	frame, err := unmarshalFrame(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse gateway frame")
		return
	}
	switch frame.Method {
	case frameMethodControl:
		if t := frame.Header(headerType); t != frameTypePong {
			c.log.Trace().Str("frame_type", t).Msg("Unhandled control frame")
		}
	case frameMethodData:
		c.handleDataFrame(conn, frame)
	default:
		c.log.Trace().Int32("method", frame.Method).Msg("Unknown frame method")
	}
}

func (c *GatewayClient) handleDataFrame(conn *websocket.Conn, frame *gatewayFrame) {
	msgID := frame.Header(headerMessageID)
	payload := frame.Payload
	if sum := frame.HeaderInt(headerSum); sum > 1 {
		payload = c.fragments.Add(msgID, sum, frame.HeaderInt(headerSeq), payload)
		if payload == nil {
			return
		}
	}

	start := time.Now()
	switch t := frame.Header(headerType); t {
	case frameTypeEvent:
		if len(payload) > 0 {
			c.onEvent(payload)
		}
	case frameTypeCard:
		c.log.Trace().Str("message_id", msgID).Msg("Ignoring card callback")
	default:
		c.log.Trace().Str("frame_type", t).Msg("Unhandled data frame")
	}

	if err := c.ack(conn, frame, time.Since(start)); err != nil {
		c.log.Warn().Err(err).
			Str("message_id", msgID).
			Str("trace_id", frame.Header(headerTraceID)).
			Msg("Failed to acknowledge event")
	}
}

// ack writes frame back with a 200 response payload.
func (c *GatewayClient) ack(conn *websocket.Conn, frame *gatewayFrame, took time.Duration) error {
	resp, err := json.Marshal(frameResponse{Code: http.StatusOK})
	if err != nil {
		return err
	}
	frame.SetHeader(headerBizRT, strconv.FormatInt(took.Milliseconds(), 10))
	frame.Payload = resp
	return c.writeFrame(conn, frame)
}

func (c *GatewayClient) writeFrame(conn *websocket.Conn, frame *gatewayFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame.Marshal())
}

// Close stops the read loop and closes the websocket. It is safe to call
// more than once; later calls return nil.
func (c *GatewayClient) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

// Wait blocks until the read loop has exited after Close.
func (c *GatewayClient) Wait() {
	<-c.runDone
}
