package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WSClient is a reconnecting Bybit v5 websocket connection. Pending
// subscriptions (and authentication, when configured) are replayed on
// every reconnect.
type WSClient struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	key            string
	secret         string
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []string
}

func NewWSClient(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *WSClient {
	return &WSClient{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

// WithAuth makes the client authenticate after each connect; required
// for the private stream.
func (c *WSClient) WithAuth(key, secret string) *WSClient {
	c.key = key
	c.secret = secret
	return c
}

// Subscribe registers topics to request on every (re)connect.
func (c *WSClient) Subscribe(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topics...)
}

// Run connects, subscribes and reads until ctx is canceled, redialing
// after read failures.
func (c *WSClient) Run(ctx context.Context, handler func(json.RawMessage)) error {
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ws connect failed", zap.String("url", c.url), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *WSClient) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		if err := c.authenticate(ctx, conn); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "auth failed")
			return err
		}
	}
	c.mu.Lock()
	c.conn = conn
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()
	if len(subs) > 0 {
		if err := writeJSON(ctx, conn, map[string]any{"op": "subscribe", "args": subs}); err != nil {
			c.resetConn()
			return err
		}
	}
	return nil
}

// authenticate signs "GET/realtime" + expiry with the API secret, per
// the v5 private stream handshake, and blocks until the venue
// acknowledges. Subscribing before the auth ack lands can be refused,
// leaving the stream connected but empty.
func (c *WSClient) authenticate(ctx context.Context, conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	signature := Sign(c.secret, "GET/realtime"+strconv.FormatInt(expires, 10))
	if err := writeJSON(ctx, conn, map[string]any{
		"op":   "auth",
		"args": []any{c.key, expires, signature},
	}); err != nil {
		return err
	}
	return awaitAuthAck(ctx, conn)
}

func awaitAuthAck(ctx context.Context, conn *websocket.Conn) error {
	ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ackCtx)
		if err != nil {
			return fmt.Errorf("ws auth ack: %w", err)
		}
		var ack struct {
			Op      string `json:"op"`
			Success bool   `json:"success"`
			RetMsg  string `json:"ret_msg"`
		}
		if err := json.Unmarshal(data, &ack); err != nil || ack.Op != "auth" {
			continue
		}
		if !ack.Success {
			return fmt.Errorf("ws auth rejected: %s", ack.RetMsg)
		}
		return nil
	}
}

func (c *WSClient) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, map[string]any{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) logReadLoopError(err error) {
	if err == nil || c.log == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
}

func (c *WSClient) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
