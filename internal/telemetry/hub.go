// Package telemetry streams live measurements to WebSocket clients.
package telemetry

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/device"
	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

const (
	sendBuffer   = 64
	writeTimeout = 250 * time.Millisecond
)

// Frame is one measurement as sent on the wire.
type Frame struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Device is the part of a composite device the hub reads from.
type Device interface {
	ID() string
	ListenState(callback func(device.ConnectionState)) func()
	PowerSource() (transport.PowerSource, bool)
	CadenceSource() (transport.CadenceSource, bool)
	SpeedSource() (transport.SpeedSource, bool)
	HeartRateSource() (transport.HeartRateSource, bool)
}

type client struct {
	conn *websocket.Conn
	addr string
	send chan Frame
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub fans frames out to every connected client. A client whose buffer
// fills up is dropped.
type Hub struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		panic("Hub: logger cannot be nil")
	}
	return &Hub{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
}

// Handler serves the WebSocket endpoint on /ws.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	return mux
}

// Serve listens on addr until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	h.logger.Printf("telemetry: listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("telemetry: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, addr: conn.RemoteAddr().String(), send: make(chan Frame, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Printf("telemetry: client %s connected", c.addr)

	go h.writeLoop(c)
	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for f := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(f); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Printf("telemetry: client %s disconnected", c.addr)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish queues f for every client without blocking.
func (h *Hub) Publish(f Frame) {
	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- f:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Printf("telemetry: dropping slow client %s", c.addr)
		c.close()
	}
}

// Attach publishes the device's measurements. Sources are re-resolved each
// time the device reaches Connected, since routing can change between
// connects. The returned func stops publishing.
func (h *Hub) Attach(d Device) func() {
	var mu sync.Mutex
	var subs []func()
	drop := func() {
		for _, unsub := range subs {
			unsub()
		}
		subs = nil
	}

	stopState := d.ListenState(func(s device.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		drop()
		if s == device.Connected {
			subs = h.subscribe(d)
		}
	})

	return func() {
		stopState()
		mu.Lock()
		drop()
		mu.Unlock()
	}
}

func (h *Hub) subscribe(d Device) []func() {
	id := d.ID()
	var subs []func()
	emit := func(kind string, value float64, ts time.Time) {
		// Zero timestamps are the observables' initial values.
		if ts.IsZero() {
			return
		}
		h.Publish(Frame{Type: kind, DeviceID: id, Value: value, Timestamp: ts})
	}

	if s, ok := d.PowerSource(); ok {
		subs = append(subs, s.Power().Listen(func(m transport.PowerMeasurement) {
			emit("power", float64(m.Watts), m.Timestamp)
		}))
	}
	if s, ok := d.CadenceSource(); ok {
		subs = append(subs, s.Cadence().Listen(func(m transport.CadenceMeasurement) {
			emit("cadence", m.RPM, m.Timestamp)
		}))
	}
	if s, ok := d.SpeedSource(); ok {
		subs = append(subs, s.Speed().Listen(func(m transport.SpeedMeasurement) {
			emit("speed", m.KMH, m.Timestamp)
		}))
	}
	if s, ok := d.HeartRateSource(); ok {
		subs = append(subs, s.HeartRate().Listen(func(m transport.HeartRateMeasurement) {
			emit("heart_rate", float64(m.BPM), m.Timestamp)
		}))
	}
	return subs
}
