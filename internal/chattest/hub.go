package chattest

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/vedran77/chatsync/internal/transport/ws"
)

// hub tracks connected clients. One user may hold several connections.
type hub struct {
	clients map[*client]struct{}
	logger  zerolog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan *broadcastMsg
	inspect    chan func(map[*client]struct{})
	quit       chan struct{}
}

// broadcastMsg goes out as message.new to clients subscribed to the
// conversation and as message.notify to other connections of its participants.
type broadcastMsg struct {
	conversationID string
	participants   map[string]struct{}
	data           []byte
	notify         []byte
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		clients:    make(map[*client]struct{}),
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan *broadcastMsg, 256),
		inspect:    make(chan func(map[*client]struct{})),
		quit:       make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug().Str("user_id", c.userID).Int("total", len(h.clients)).Msg("client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.done)
				h.logger.Debug().Str("user_id", c.userID).Int("total", len(h.clients)).Msg("client disconnected")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				data := msg.data
				if !c.isSubscribed(msg.conversationID) {
					if _, ok := msg.participants[c.userID]; !ok {
						continue
					}
					data = msg.notify
				}
				select {
				case c.send <- data:
				default:
					// buffer full - disconnect
					delete(h.clients, c)
					close(c.done)
				}
			}

		case fn := <-h.inspect:
			fn(h.clients)

		case <-h.quit:
			for c := range h.clients {
				c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		}
	}
}

func (h *hub) do(fn func(map[*client]struct{})) {
	done := make(chan struct{})
	select {
	case h.inspect <- func(clients map[*client]struct{}) {
		fn(clients)
		close(done)
	}:
		<-done
	case <-h.quit:
	}
}

func (h *hub) broadcastMessage(conversationID string, participants []string, event, notify *ws.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal error")
		return
	}
	notifyData, err := json.Marshal(notify)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal error")
		return
	}

	set := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		set[p] = struct{}{}
	}
	select {
	case h.broadcast <- &broadcastMsg{conversationID: conversationID, participants: set, data: data, notify: notifyData}:
	case <-h.quit:
	}
}

// dropAll closes every connection as a network failure would.
func (h *hub) dropAll() {
	h.do(func(clients map[*client]struct{}) {
		for c := range clients {
			c.conn.Close(websocket.StatusGoingAway, "connection dropped")
		}
	})
}
