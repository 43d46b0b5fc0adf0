package opsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS handled by the rs/cors wrapper
}

// Hub fans out provider notification pushes (spec.md §5,
// ListProviderNotifications) to subscribed WebSocket connections.
// Unlike the teacher's pkg/api Hub, which keeps one global client set
// and a generic string-channel subscription per client, delivery here is
// partitioned directly by providerId at connect time: a connection only
// ever belongs to the one provider's stream it was opened for
// (/ws?providerId=...), so publish looks up that provider's connection
// set directly instead of scanning every client and checking a
// subscription map. Registration/unregistration are mutex-protected map
// writes rather than a serializing register/unregister channel pair, since
// there is no longer a shared broadcast-to-everyone path that needs one.
type Hub struct {
	mu         sync.RWMutex
	byProvider map[maas.AgentId]map[*wsClient]struct{}
	log        *zap.SugaredLogger
}

func newHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		byProvider: make(map[maas.AgentId]map[*wsClient]struct{}),
		log:        log,
	}
}

func (h *Hub) register(providerID maas.AgentId, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byProvider[providerID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.byProvider[providerID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(providerID maas.AgentId, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byProvider[providerID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.byProvider, providerID)
	}
}

// publish delivers n to every connection registered under providerID. A
// connection whose send buffer is still full from a prior publish is
// dropped rather than blocking this call, the same slow-consumer policy
// the teacher applies per-client in its broadcast loop.
func (h *Hub) publish(providerID maas.AgentId, n maas.Notification) {
	message, err := json.Marshal(n)
	if err != nil {
		h.log.Warnw("ws publish marshal failed", "providerId", providerID, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byProvider[providerID]
	for c := range set {
		select {
		case c.send <- message:
		default:
			close(c.send)
			delete(set, c)
		}
	}
}

// wsClient is a single provider's notification stream connection. It
// carries no subscription state of its own — its providerID is fixed at
// registration — so readPump exists only to detect disconnects and drive
// the websocket ping/pong keepalive.
type wsClient struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	providerID maas.AgentId
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c.providerID, c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
