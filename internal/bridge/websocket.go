package bridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
)

const (
	wsReadLimit    = 1024
	wsPongWait     = 60 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// websocketHub fans EventBus events out to every connected websocket
// client, adapted from the teacher's internal/web.WebsocketHub with the
// broadcast source switched from an ad hoc Broadcast call to a single
// EventBus subscription owned by the hub itself.
type websocketHub struct {
	log     logger.Logger
	sub     *eventbus.Subscription
	clients map[*websocket.Conn]struct{}
	mu      sync.RWMutex

	upgrader websocket.Upgrader
	done     chan struct{}
	closeOnce sync.Once
}

func newWebsocketHub(log logger.Logger, bus *eventbus.Bus) *websocketHub {
	h := &websocketHub{
		log:     log,
		sub:     bus.Subscribe(),
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	go h.pump()
	return h
}

// pump relays every event delivered on the hub's own subscription to all
// currently registered clients until the hub is closed.
func (h *websocketHub) pump() {
	for {
		select {
		case ev, ok := <-h.sub.C:
			if !ok {
				return
			}
			h.broadcast(ev)
		case <-h.done:
			return
		}
	}
}

func (h *websocketHub) upgrade(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.register(conn)
	return nil
}

func (h *websocketHub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(conn)
}

// readLoop discards client-sent frames; the stream is server-to-client
// only, but it still needs to drain pings/closes to notice disconnects.
func (h *websocketHub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *websocketHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()

	conn.Close()
}

func (h *websocketHub) broadcast(ev interface{}) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal websocket event failed", "err", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warn("write to websocket client failed", "err", err)
			h.unregister(conn)
		}
	}
}

func (h *websocketHub) close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.sub.Unsubscribe()
	})

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}
