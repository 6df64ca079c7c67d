package main

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/datatypes"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local simulator, any origin is fine
	},
	ReadBufferSize:  1024 * 1024 * 10,
	WriteBufferSize: 1024 * 1024 * 10,
}

// Hub fans events out to websocket clients by chat room. A connection
// joins and leaves rooms with RoomAction frames; events are only sent
// to connections joined to the event's chat.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*wsClient]struct{}
	logger *slog.Logger
}

type wsClient struct {
	conn *websocket.Conn
	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func newHub(logger *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[*wsClient]struct{}), logger: logger}
}

// HandleWebSocket upgrades the connection and processes join/leave
// frames until the client disconnects.
func (h *Hub) HandleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		client := &wsClient{conn: ws}
		defer func() {
			h.dropClient(client)
			ws.Close()
		}()

		for {
			var action datatypes.RoomAction
			if err := ws.ReadJSON(&action); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("websocket read error", "error", err)
				}
				return
			}

			switch action.Action {
			case "join":
				h.join(action.ChatID, client)
				h.logger.Info("client joined room", "chat_id", action.ChatID, "guest_id", action.GuestID)
			case "leave":
				h.leave(action.ChatID, client)
				h.logger.Info("client left room", "chat_id", action.ChatID)
			default:
				h.logger.Warn("unknown room action", "action", action.Action)
			}
		}
	}
}

func (h *Hub) join(chatID string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[chatID]
	if !ok {
		room = make(map[*wsClient]struct{})
		h.rooms[chatID] = room
	}
	room[client] = struct{}{}
}

func (h *Hub) leave(chatID string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[chatID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

func (h *Hub) dropClient(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for chatID, room := range h.rooms {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

// Broadcast encodes the event and writes it to every connection in the
// event's room. Write failures are logged and the client is left to be
// dropped by its own read loop.
func (h *Hub) Broadcast(event datatypes.Event) {
	raw, err := datatypes.EncodeEvent(event)
	if err != nil {
		h.logger.Error("encode event failed", "type", string(event.Type), "error", err)
		return
	}

	h.mu.RLock()
	room := h.rooms[event.ChatID()]
	clients := make([]*wsClient, 0, len(room))
	for client := range room {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.writeMu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, raw)
		client.writeMu.Unlock()
		if err != nil {
			h.logger.Warn("websocket write failed", "chat_id", event.ChatID(), "error", err)
		}
	}
}

// RoomSize reports how many clients are joined to a chat. Used by
// tests and by handlers to decide between inline and async replies.
func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}
