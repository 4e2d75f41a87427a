// Package transport is the realtime websocket channel to the relay server.
// Delivery is at-least-once and unordered; callers deduplicate.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matheus3301/linkchat/internal/chaterr"
	"github.com/matheus3301/linkchat/internal/logging"
	"github.com/matheus3301/linkchat/internal/status"
	"github.com/matheus3301/linkchat/internal/store"
)

const (
	writeTimeout   = 10 * time.Second
	backoffBase    = 500 * time.Millisecond
	backoffCeiling = 30 * time.Second
)

// Handler receives inbound events. Calls come from the read loop one at a time.
type Handler interface {
	OnConnect(ctx context.Context)
	OnHistory(ctx context.Context, resp HistoryResponse)
	OnMessage(ctx context.Context, msg store.Message)
	OnUserStatus(ctx context.Context, st UserStatus)
	OnChatListHistory(ctx context.Context, h ChatListHistory)
	OnChatListUpdate(ctx context.Context, u ChatListUpdate)
}

// Client keeps one websocket open to url, reconnecting with capped
// exponential backoff until its context ends.
type Client struct {
	url     string
	dialer  *websocket.Dialer
	machine *status.Machine
	logger  *zap.Logger

	mu      sync.RWMutex
	handler Handler

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewClient creates a client. machine may be nil.
func NewClient(url string, machine *status.Machine, logger *zap.Logger) *Client {
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	return &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		machine: machine,
		logger:  logging.OrNop(logger),
	}
}

// SetHandler installs the inbound event handler.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State returns the connection state.
func (c *Client) State() status.State { return c.machine.Current() }

// Connected reports whether frames can be sent right now.
func (c *Client) Connected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn != nil
}

// Run connects and serves the read loop until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.transition(status.Closed)

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return ctx.Err()
		}
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.transition(status.Reconnecting)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	backoff := retry.WithCappedDuration(backoffCeiling, retry.NewExponential(backoffBase))

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c.transition(status.Connecting)
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("realtime dial failed", zap.String("url", c.url), zap.Error(err))
			c.transition(status.Reconnecting)
			return retry.RetryableError(err)
		}
		conn = ws
		return nil
	})
	return conn, err
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	c.transition(status.Connected)
	c.logger.Info("realtime connected", zap.String("url", c.url))

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if h := c.currentHandler(); h != nil {
		h.OnConnect(ctx)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("realtime connection lost", zap.Error(err))
			}
			break
		}
		c.dispatch(ctx, data)
	}

	c.writeMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(chaterr.New(chaterr.Decode, "transport.frame", err)))
		return
	}
	h := c.currentHandler()
	if h == nil {
		return
	}

	var err error
	switch f.Event {
	case EventChatHistoryResponse:
		var resp HistoryResponse
		if err = json.Unmarshal(f.Data, &resp); err == nil {
			h.OnHistory(ctx, resp)
		}
	case EventReceiveMessage:
		var msg store.Message
		if err = json.Unmarshal(f.Data, &msg); err == nil {
			h.OnMessage(ctx, msg)
		}
	case EventUserStatus:
		var st UserStatus
		if err = json.Unmarshal(f.Data, &st); err == nil {
			h.OnUserStatus(ctx, st)
		}
	case EventChatListHistory:
		var hist ChatListHistory
		if err = json.Unmarshal(f.Data, &hist); err == nil {
			h.OnChatListHistory(ctx, hist)
		}
	case EventChatListUpdate:
		var u ChatListUpdate
		if err = json.Unmarshal(f.Data, &u); err == nil {
			h.OnChatListUpdate(ctx, u)
		}
	default:
		c.logger.Debug("ignoring realtime event", zap.String("event", f.Event))
	}
	if err != nil {
		c.logger.Warn("dropping malformed payload", zap.String("event", f.Event),
			zap.Error(chaterr.New(chaterr.Decode, "transport."+f.Event, err)))
	}
}

// Emit sends one event. It fails with TransportUnavailable when no
// connection is open.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	op := "transport." + event
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		f.Data = data
	}
	frame, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return chaterr.New(chaterr.TransportUnavailable, op, errors.New("not connected"))
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return chaterr.New(chaterr.TransportUnavailable, op, err)
	}
	return nil
}

// JoinChat subscribes this connection to the room for linkKey.
func (c *Client) JoinChat(ctx context.Context, linkKey string) error {
	return c.Emit(ctx, EventJoinChat, linkKey)
}

// RequestHistory asks for the full history of linkKey.
func (c *Client) RequestHistory(ctx context.Context, linkKey, userID string) error {
	return c.Emit(ctx, EventRequestChatHistory, HistoryRequest{LinkKey: linkKey, UserID: userID})
}

// RequestChatList asks for the newest message of every conversation the
// relay holds for this device.
func (c *Client) RequestChatList(ctx context.Context) error {
	return c.Emit(ctx, EventRequestChatList, nil)
}

// SendMessage hands msg to the relay. There is no delivery receipt.
func (c *Client) SendMessage(ctx context.Context, out OutgoingMessage) error {
	return c.Emit(ctx, EventSendMessage, out)
}

// DeleteMessages asks the relay to drop ids for linkKey.
func (c *Client) DeleteMessages(ctx context.Context, linkKey string, ids []string) error {
	return c.Emit(ctx, EventDeleteMessages, DeleteRequest{LinkKey: linkKey, MessageIDs: ids})
}

func (c *Client) currentHandler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *Client) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("transport state unchanged", zap.Error(err))
	}
}
