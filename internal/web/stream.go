package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gnssrx/internal/gps"
)

const (
	streamWriteWait = 5 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = streamPongWait * 9 / 10
)

// StreamHub fans receiver snapshots out to websocket clients. Slow clients
// miss updates instead of blocking the publisher; new clients get the most
// recent snapshot immediately.
type StreamHub struct {
	mu       sync.RWMutex
	subs     map[int]chan gps.Snapshot
	nextID   int
	last     gps.Snapshot
	haveLast bool
}

func NewStreamHub() *StreamHub {
	return &StreamHub{subs: make(map[int]chan gps.Snapshot)}
}

func (h *StreamHub) Subscribe(buffer int) (int, <-chan gps.Snapshot) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan gps.Snapshot, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.haveLast {
		ch <- h.last
	}
	h.mu.Unlock()
	return id, ch
}

func (h *StreamHub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers reports how many clients are attached.
func (h *StreamHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *StreamHub) Publish(snap gps.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = snap
	h.haveLast = true
	for _, ch := range h.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only status; any origin may watch it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades to a websocket and writes one JSON snapshot per update.
func (h *StreamHub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web stream: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		id, ch := h.Subscribe(0)
		defer h.Unsubscribe(id)

		// Drain client frames so pongs and close messages are processed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Printf("web stream: read error: %v", err)
					}
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingEvery)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(snap); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
