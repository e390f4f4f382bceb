package wsapi

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// sendQueueSize bounds one client's outbound backlog. Overflow drops
	// the oldest queued frame.
	sendQueueSize = 256

	pingPeriod   = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// client is one WebSocket connection with its stream subscriptions.
type client struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	streams map[string]string // stream name -> symbol
	userID  string
	closed  bool
}

// enqueue queues a marshaled frame, dropping the oldest queued frame
// when the consumer is behind. Holds the lock so close cannot shut the
// channel mid-send.
func (c *client) enqueue(msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
			wsDroppedFrames.Inc()
		default:
		}
	}
}

// sendJSON marshals and queues one payload.
func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.srv.logger.Error("frame marshal failed", "client_id", c.id, "error", err.Error())
		return
	}
	c.enqueue(data)
}

// subscribed reports whether the client listens on the stream. The
// userData stream requires a prior AUTH for the event's user.
func (c *client) subscribed(stream, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == userDataStream {
		return c.userID != "" && c.userID == userID
	}
	_, ok := c.streams[stream]
	return ok
}

// close marks the client dead and wakes the write pump. Safe to call
// more than once.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.send)
}

// controlRequest is one inbound command.
type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type controlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// controlAck is the success reply, result explicitly null.
type controlAck struct {
	Result interface{} `json:"result"`
	ID     int64       `json:"id"`
}

type controlFailure struct {
	Error controlError `json:"error"`
	ID    int64        `json:"id"`
}

// readPump consumes client frames until the connection drops. Text
// frames carry control commands; everything else keeps the connection
// alive.
func (c *client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.logger.Warn("read error", "client_id", c.id, "error", err.Error())
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendJSON(controlFailure{
				Error: controlError{Code: -32700, Msg: "invalid JSON"},
			})
			continue
		}
		c.handleControl(&req)
	}
}

// writePump drains the send queue and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.srv.logger.Warn("write error", "client_id", c.id, "error", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleControl(req *controlRequest) {
	switch req.Method {
	case "SUBSCRIBE":
		c.handleSubscribe(req)
	case "UNSUBSCRIBE":
		c.handleUnsubscribe(req)
	case "LIST_SUBSCRIPTIONS":
		c.handleList(req)
	case "AUTH":
		c.handleAuth(req)
	default:
		c.sendJSON(controlFailure{
			Error: controlError{Code: -32601, Msg: "unknown method " + req.Method},
			ID:    req.ID,
		})
	}
}

// handleSubscribe adds every valid stream and reports the invalid ones.
// Valid entries take effect even when the reply is an error.
func (c *client) handleSubscribe(req *controlRequest) {
	var invalid, full []string
	for _, name := range req.Params {
		stream, symbol, err := parseStream(name)
		if err != nil {
			invalid = append(invalid, name)
			continue
		}
		if _, ok := c.srv.ve.Engine.Spec(symbol); !ok {
			invalid = append(invalid, name)
			continue
		}
		c.mu.Lock()
		_, have := c.streams[stream]
		c.mu.Unlock()
		if have {
			continue
		}
		if !c.srv.addStreamRef(c, symbol, stream) {
			full = append(full, name)
			continue
		}
		c.mu.Lock()
		c.streams[stream] = symbol
		c.mu.Unlock()
	}
	if len(invalid) > 0 {
		c.sendJSON(controlFailure{
			Error: controlError{Code: -1121, Msg: "Invalid stream(s): " + strings.Join(invalid, ", ")},
			ID:    req.ID,
		})
		return
	}
	if len(full) > 0 {
		c.sendJSON(controlFailure{
			Error: controlError{Code: -1010, Msg: "Subscriber limit reached: " + strings.Join(full, ", ")},
			ID:    req.ID,
		})
		return
	}
	c.sendJSON(controlAck{ID: req.ID})
}

func (c *client) handleUnsubscribe(req *controlRequest) {
	for _, name := range req.Params {
		stream, _, err := parseStream(name)
		if err != nil {
			continue
		}
		c.mu.Lock()
		symbol, have := c.streams[stream]
		if have {
			delete(c.streams, stream)
		}
		c.mu.Unlock()
		if have {
			c.srv.dropStreamRef(c, symbol, stream)
		}
	}
	c.sendJSON(controlAck{ID: req.ID})
}

func (c *client) handleList(req *controlRequest) {
	c.mu.Lock()
	streams := make([]string, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	sort.Strings(streams)
	c.sendJSON(controlAck{Result: streams, ID: req.ID})
}

// handleAuth binds the connection to a user via an API key, enabling
// the private userData frames.
func (c *client) handleAuth(req *controlRequest) {
	if len(req.Params) != 1 || req.Params[0] == "" {
		c.sendJSON(controlFailure{
			Error: controlError{Code: -1102, Msg: "AUTH requires exactly one api key parameter"},
			ID:    req.ID,
		})
		return
	}
	userID, ok := c.srv.ve.Accounts.ResolveAPIKey(req.Params[0])
	if !ok {
		c.sendJSON(controlFailure{
			Error: controlError{Code: -2015, Msg: "Invalid API-key, IP, or permissions for action."},
			ID:    req.ID,
		})
		return
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	c.sendJSON(controlAck{ID: req.ID})
}

// dropStreams releases every stream reference the client holds. Called
// once on disconnect.
func (c *client) dropStreams() {
	c.mu.Lock()
	streams := make(map[string]string, len(c.streams))
	for s, sym := range c.streams {
		streams[s] = sym
	}
	c.streams = make(map[string]string)
	c.mu.Unlock()
	for s, sym := range streams {
		c.srv.dropStreamRef(c, sym, s)
	}
}
