package display

import (
	"context"
	"encoding/json"
	log "log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxboard/internal/assistant"
	"voxboard/internal/visual"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Hub fans daemon state out to every connected dashboard.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*peer]struct{}
	last    []byte // latest status, replayed to new peers

	register   chan *peer
	unregister chan *peer
	done       chan struct{}
	now        func() time.Time
}

type peer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*peer]struct{}),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Run owns peer registration until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for p := range h.clients {
				delete(h.clients, p)
				close(p.send)
			}
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			h.clients[p] = struct{}{}
			if h.last != nil {
				p.send <- h.last
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Debug("Dashboard connected", "remote", p.conn.RemoteAddr(), "peers", n)

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[p]; ok {
				delete(h.clients, p)
				close(p.send)
			}
			h.mu.Unlock()
			log.Debug("Dashboard disconnected", "remote", p.conn.RemoteAddr())
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	p := &peer{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ShowStatus publishes the assistant status to every dashboard.
func (h *Hub) ShowStatus(s assistant.Status) {
	data, err := json.Marshal(Message{Kind: KindStatus, Status: &s, At: h.now()})
	if err != nil {
		log.Error("Failed to encode status", "err", err)
		return
	}

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	h.broadcast(data)
}

func (h *Hub) Broadcast(m Message) error {
	if m.At.IsZero() {
		m.At = h.now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	h.broadcast(data)
	return nil
}

// broadcast drops the message for peers whose queue is full.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for p := range h.clients {
		select {
		case p.send <- data:
		default:
			log.Debug("Dashboard lagging, message dropped", "remote", p.conn.RemoteAddr())
		}
	}
}

// PumpSpectrum sends src's frames at fps while it has data, plus one empty
// frame when playback stops.
func (h *Hub) PumpSpectrum(ctx context.Context, src visual.FrameSource, fps int) {
	if fps <= 0 {
		fps = 30
	}
	t := time.NewTicker(time.Second / time.Duration(fps))
	defer t.Stop()

	sending := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		frame := src.Snapshot()
		if len(frame) == 0 {
			if sending {
				h.Broadcast(Message{Kind: KindSpectrum})
				sending = false
			}
			continue
		}
		sending = true
		h.Broadcast(Message{Kind: KindSpectrum, Spectrum: frame})
	}
}

func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Dashboard read failed", "err", err)
			}
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
