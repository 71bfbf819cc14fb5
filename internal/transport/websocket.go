package transport

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	applog "spectrogram/internal/log"
)

// ColumnsPath is the endpoint clients connect to.
const ColumnsPath = "/columns"

const (
	broadcastQueue = 256
	writeTimeout   = time.Second
)

// WebSocketTransport implements the Transport interface for WebSocket
// connections. Every column is JSON encoded once and broadcast to all
// connected clients.
//
// Thread Safety:
//   - Send encodes synchronously, so the caller's pixel slice is not retained
//   - A single goroutine writes to clients; the client map is mutex guarded
//   - Frames are dropped, not queued without bound, when clients are slow
type WebSocketTransport struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex
	broadcast chan []byte
	server    *http.Server
	listener  net.Listener

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocketTransport binds addr and starts serving ColumnsPath.
func NewWebSocketTransport(addr string) (*WebSocketTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	wst := &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Renderers may be served from anywhere
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastQueue),
		listener:  ln,
		done:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ColumnsPath, wst.handleWebSocket)
	wst.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wst.wg.Add(2)
	go func() {
		defer wst.wg.Done()
		applog.Infof("WebSocketTransport: Serving %s on %s", ColumnsPath, ln.Addr())
		if err := wst.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Errorf("WebSocketTransport: Server error: %v", err)
		}
	}()
	go wst.handleBroadcasts()

	return wst, nil
}

// Addr returns the bound address.
func (wst *WebSocketTransport) Addr() string {
	return wst.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (wst *WebSocketTransport) ClientCount() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Warnf("WebSocketTransport: Upgrade error: %v", err)
		return
	}

	wst.clientsMu.Lock()
	wst.clients[conn] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	applog.Infof("WebSocketTransport: Client connected, total: %d", total)

	// Clients only listen; a read error means they went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				wst.removeClient(conn)
				return
			}
		}
	}()
}

func (wst *WebSocketTransport) removeClient(conn *websocket.Conn) {
	wst.clientsMu.Lock()
	_, ok := wst.clients[conn]
	delete(wst.clients, conn)
	total := len(wst.clients)
	wst.clientsMu.Unlock()

	if ok {
		conn.Close()
		applog.Infof("WebSocketTransport: Client disconnected, total: %d", total)
	}
}

// handleBroadcasts sends messages to all connected clients
func (wst *WebSocketTransport) handleBroadcasts() {
	defer wst.wg.Done()
	for {
		select {
		case payload := <-wst.broadcast:
			wst.clientsMu.Lock()
			for client := range wst.clients {
				client.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
					applog.Warnf("WebSocketTransport: Error sending to client: %v", err)
					client.Close()
					delete(wst.clients, client)
				}
			}
			wst.clientsMu.Unlock()
		case <-wst.done:
			return
		}
	}
}

// Send encodes data as JSON and queues it for broadcast. When the queue is
// full the message is dropped.
func (wst *WebSocketTransport) Send(data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case <-wst.done:
		return net.ErrClosed
	default:
	}

	select {
	case wst.broadcast <- payload:
	default:
		applog.Debugf("WebSocketTransport: Broadcast queue full, dropping message")
	}
	return nil
}

// Close shuts down the WebSocket server and disconnects every client.
func (wst *WebSocketTransport) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		applog.Infof("WebSocketTransport: Closing server")
		close(wst.done)

		wst.clientsMu.Lock()
		for client := range wst.clients {
			client.Close()
		}
		wst.clients = make(map[*websocket.Conn]bool)
		wst.clientsMu.Unlock()

		err = wst.server.Close()
		wst.wg.Wait()
	})
	return err
}

// Ensure WebSocketTransport satisfies the interface
var _ Transport = (*WebSocketTransport)(nil)
