package chattest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/vedran77/chatsync/internal/transport/ws"
)

const (
	writeWait   = 5 * time.Second
	sendBufSize = 256
)

// client is one accepted websocket connection.
type client struct {
	server *Server
	conn   *websocket.Conn
	userID string

	subscribed map[string]struct{}
	mu         sync.RWMutex

	send chan []byte
	done chan struct{}
}

func newClient(server *Server, conn *websocket.Conn, userID string) *client {
	return &client{
		server:     server,
		conn:       conn,
		userID:     userID,
		subscribed: make(map[string]struct{}),
		send:       make(chan []byte, sendBufSize),
		done:       make(chan struct{}),
	}
}

func (c *client) isSubscribed(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribed[conversationID]
	return ok
}

func (c *client) subscribe(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[conversationID] = struct{}{}
}

func (c *client) unsubscribe(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, conversationID)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.server.hub.unregister <- c:
		case <-c.server.hub.quit:
		}
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var event ws.Event
		if err := wsjson.Read(context.Background(), c.conn, &event); err != nil {
			return
		}
		c.server.record(event)
		c.handleEvent(&event)
	}
}

func (c *client) writePump() {
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-c.done:
			return
		case <-c.server.hub.quit:
			return
		}
	}
}

func (c *client) handleEvent(event *ws.Event) {
	switch event.Type {
	case ws.EventTypeConversationSubscribe:
		var p ws.ConversationPayload
		if err := event.Decode(&p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid conversation.subscribe payload")
			return
		}
		c.subscribe(p.ConversationID)

	case ws.EventTypeConversationUnsubscribe:
		var p ws.ConversationPayload
		if err := event.Decode(&p); err != nil {
			c.sendError("INVALID_PAYLOAD", "invalid conversation.unsubscribe payload")
			return
		}
		c.unsubscribe(p.ConversationID)

	case ws.EventTypeSendDirect, ws.EventTypeSendGroup:
		if err := c.server.handleSend(c.userID, event); err != nil {
			c.sendError("SEND_FAILED", err.Error())
		}

	case ws.EventTypePing:
		c.sendEvent(ws.EventTypePong, nil)

	default:
		c.sendError("UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

func (c *client) sendEvent(eventType string, payload any) {
	evt, err := ws.NewEvent(eventType, "", payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) sendError(code, message string) {
	c.sendEvent(ws.EventTypeError, ws.ErrorPayload{Code: code, Message: message})
}
