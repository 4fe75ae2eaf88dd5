package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/esm-dev/devserver/internal/hmr"
	"github.com/gorilla/websocket"
	logx "github.com/ije/gox/log"
)

const pingInterval = 30 * time.Second

// maxBufferedErrors caps the errors kept while no client is connected; older ones are dropped.
const maxBufferedErrors = 10

// InvalidateEvent is sent by `import.meta.hot.invalidate()` in the browser.
const InvalidateEvent = "dev:invalidate"

type client struct {
	conn *websocket.Conn
	lock sync.Mutex
}

func (c *client) write(data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// Hub keeps the hmr sockets of the browser clients and broadcasts payloads to them.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logx.Logger

	lock    sync.RWMutex
	clients map[*client]struct{}
	// payloads sent while no client was connected, flushed to the next client
	buffered [][]byte
	handlers map[string][]func(data json.RawMessage)
}

// NewHub creates a hub.
func NewHub(logger *logx.Logger) *Hub {
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"devserver-hmr"},
		},
		log:      logger,
		clients:  map[*client]struct{}{},
		handlers: map[string][]func(data json.RawMessage){},
	}
}

// On registers a handler of a custom event sent by the clients.
func (h *Hub) On(event string, handler func(data json.RawMessage)) {
	h.lock.Lock()
	h.handlers[event] = append(h.handlers[event], handler)
	h.lock.Unlock()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// Send broadcasts the payload to every connected client. Errors are kept until a
// client connects, since the page that caused them may be reloading.
func (h *Hub) Send(p hmr.Payload) {
	data, err := hmr.Marshal(p)
	if err != nil {
		h.log.Errorf("[hmr] could not encode %s payload: %v", p.Type(), err)
		return
	}
	h.lock.Lock()
	if len(h.clients) == 0 {
		if _, ok := p.(hmr.ErrorPayload); ok {
			h.buffered = append(h.buffered, data)
			if n := len(h.buffered); n > maxBufferedErrors {
				h.buffered = append([][]byte(nil), h.buffered[n-maxBufferedErrors:]...)
			}
		}
		h.lock.Unlock()
		return
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.lock.Unlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			h.log.Debugf("[hmr] write: %v", err)
		}
	}
}

// ServeHTTP upgrades the request to a hmr socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Bad Request", 400)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has replied
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	connected, _ := hmr.Marshal(hmr.ConnectedPayload{})
	if err := c.write(connected); err != nil {
		return
	}

	h.lock.Lock()
	h.clients[c] = struct{}{}
	buffered := h.buffered
	h.buffered = nil
	h.lock.Unlock()
	defer func() {
		h.lock.Lock()
		delete(h.clients, c)
		h.lock.Unlock()
	}()

	for _, data := range buffered {
		c.write(data)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.ping() != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		p, err := hmr.Unmarshal(data)
		if err != nil {
			h.log.Debugf("[hmr] invalid message from client: %v", err)
			continue
		}
		if custom, ok := p.(hmr.CustomPayload); ok {
			h.lock.RLock()
			handlers := h.handlers[custom.Event]
			h.lock.RUnlock()
			for _, handler := range handlers {
				handler(custom.Data)
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		c.lock.Lock()
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		c.conn.Close()
		c.lock.Unlock()
	}
	h.clients = map[*client]struct{}{}
}
