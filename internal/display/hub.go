package display

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/dashlog/internal/errors"
	"codeberg.org/mutker/dashlog/internal/logger"
	"codeberg.org/mutker/dashlog/internal/telemetry"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	clientQueue    = 8
	shutdownWait   = 2 * time.Second
	readHeaderWait = 5 * time.Second
)

// Hub serves the latest sample over HTTP and pushes every sample to
// websocket clients.
type Hub struct {
	addr     string
	logger   logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	latest  []byte
	clients map[*wsClient]struct{}

	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(addr string, log logger.Logger) *Hub {
	return &Hub{
		addr:   addr,
		logger: log.With("hub"),
		upgrader: websocket.Upgrader{
			// The dashboard is served on the local network only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Handler exposes /ws and /api/sample.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/api/sample", h.serveSample)
	return mux
}

// Start listens on the configured address and serves in the background.
func (h *Hub) Start() error {
	errFactory := errors.New()

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}

	h.ln = ln
	h.srv = &http.Server{Handler: h.Handler(), ReadHeaderTimeout: readHeaderWait}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	h.logger.Info().Str("addr", ln.Addr().String()).Msg("Live display listening")
	return nil
}

// Addr is the bound listen address once started.
func (h *Hub) Addr() string {
	if h.ln == nil {
		return h.addr
	}
	return h.ln.Addr().String()
}

// Show records s as the latest sample and queues it for every client.
// Clients that fall behind miss samples rather than slowing the caller.
func (h *Hub) Show(_ context.Context, s telemetry.Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = payload
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("Client behind, sample skipped")
		}
	}
	return nil
}

// Close stops the server and disconnects every client.
func (h *Hub) Close() error {
	var err error
	if h.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		err = h.srv.Shutdown(ctx)
	}

	h.mu.Lock()
	for c := range h.clients {
		_ = c.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return err
}

func (h *Hub) serveSample(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	latest := h.latest
	h.mu.Unlock()

	if latest == nil {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(latest); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write sample response")
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.latest != nil {
		c.send <- h.latest
	}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeLoop(c)
	}()

	// Drain control frames until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	_ = conn.Close()
}

func (h *Hub) writeLoop(c *wsClient) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}
