package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WireTransport ships deltas between OS processes over websockets.
// Each peer name maps to a ws URL; connections are dialed lazily, and
// a connection whose write fails is dropped and redialed on the next
// send to that peer, with no backoff between redials. Sends to all
// peers share one rate limiter.
type WireTransport struct {
	log     *slog.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	addrs map[string]string
	conns map[string]*websocket.Conn
}

// NewWireTransport creates a transport with the given peer name→URL
// table (e.g. "b" → "ws://host:port/deltas").
func NewWireTransport(addrs map[string]string, log *slog.Logger) *WireTransport {
	if log == nil {
		log = slog.Default()
	}
	cp := make(map[string]string, len(addrs))
	for k, v := range addrs {
		cp[k] = v
	}
	return &WireTransport{
		log:     log.With("system", "crdt-wire"),
		limiter: rate.NewLimiter(rate.Limit(200), 50),
		addrs:   cp,
		conns:   make(map[string]*websocket.Conn),
	}
}

// SetAddr adds or replaces a peer address.
func (t *WireTransport) SetAddr(name, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs[name] = url
	if c, ok := t.conns[name]; ok {
		c.Close()
		delete(t.conns, name)
	}
}

// Send implements Transport.
func (t *WireTransport) Send(to string, d Delta) error {
	if err := t.limiter.Wait(context.Background()); err != nil {
		return err
	}
	conn, err := t.conn(to)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding delta: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.drop(to, conn)
		return fmt.Errorf("sending delta to %s: %w", to, err)
	}
	return nil
}

func (t *WireTransport) conn(to string) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	url, ok := t.addrs[to]
	if !ok {
		return nil, fmt.Errorf("no address for peer %q", to)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	t.conns[to] = c
	return c, nil
}

func (t *WireTransport) drop(name string, conn *websocket.Conn) {
	conn.Close()
	t.mu.Lock()
	if t.conns[name] == conn {
		delete(t.conns, name)
	}
	t.mu.Unlock()
}

// Close closes all open connections.
func (t *WireTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, c := range t.conns {
		c.Close()
		delete(t.conns, name)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// DeltaHandler returns an http.Handler accepting websocket connections
// from remote peers and feeding their deltas into the local replica.
func DeltaHandler(m *AWORMap, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("system", "crdt-wire")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "err", err)
			return
		}
		defer conn.Close()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("peer stream closed", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
			var d Delta
			if err := json.Unmarshal(payload, &d); err != nil {
				log.Warn("discarding malformed delta", "remote", r.RemoteAddr, "err", err)
				continue
			}
			m.Receive(d)
		}
	})
}
