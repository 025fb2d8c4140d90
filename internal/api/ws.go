package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ignite/sms-dispatch/internal/dispatch"
	"github.com/ignite/sms-dispatch/internal/domain"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
)

const writeWait = 10 * time.Second

// ProgressStreamer bridges engine progress subscriptions onto WebSocket
// clients. Each connection holds its own subscription, so a slow client
// drops only its own snapshots and never stalls the engine or its peers.
// The stream ends after the terminal snapshot of the batch it observed;
// dashboards reconnect for the next one.
type ProgressStreamer struct {
	engine   *dispatch.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewProgressStreamer creates a streamer over the engine's progress feed.
func NewProgressStreamer(engine *dispatch.Engine) *ProgressStreamer {
	return &ProgressStreamer{
		engine: engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleProgress upgrades the request and streams progress snapshots until
// the observed batch finishes or the client disconnects.
//
//	GET /ws/progress
func (ps *ProgressStreamer) HandleProgress(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	ps.add(conn)
	go ps.stream(conn)
}

// ClientCount returns the number of connected progress clients.
func (ps *ProgressStreamer) ClientCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.clients)
}

func (ps *ProgressStreamer) add(conn *websocket.Conn) {
	ps.mu.Lock()
	ps.clients[conn] = true
	n := len(ps.clients)
	ps.mu.Unlock()
	logger.Debug("progress client connected", "clients", n)
}

func (ps *ProgressStreamer) remove(conn *websocket.Conn) {
	ps.mu.Lock()
	delete(ps.clients, conn)
	n := len(ps.clients)
	ps.mu.Unlock()
	conn.Close()
	logger.Debug("progress client disconnected", "clients", n)
}

// stream pushes snapshots to one client: the current state on connect,
// then every snapshot the subscription delivers.
func (ps *ProgressStreamer) stream(conn *websocket.Conn) {
	defer ps.remove(conn)

	// Clients never send data, but reading is the only way to notice a
	// dropped connection promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Subscribe before the first write so a batch started right after the
	// client sees the initial snapshot cannot slip past the subscription.
	ch, unsubscribe := ps.engine.Subscribe()
	defer unsubscribe()

	if !ps.send(conn, ps.engine.Progress()) {
		return
	}

	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				// Terminal snapshot delivered; end the stream cleanly.
				deadline := time.Now().Add(writeWait)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if !ps.send(conn, snapshot) {
				return
			}
		case <-closed:
			return
		}
	}
}

func (ps *ProgressStreamer) send(conn *websocket.Conn, snapshot domain.SendProgress) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		return false
	}
	return true
}
