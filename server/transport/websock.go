/******************************************************************************
 *
 *  Description :
 *
 *    Websocket transport. Each websocket is one bus connection carrying
 *    JSON frames in text messages. See also grpc.go.
 *
 *****************************************************************************/

package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/bus/server/bus"
	"github.com/tinode/bus/server/logs"
)

// WebsockConfig configures websocket connections on both ends.
type WebsockConfig struct {
	// Largest inbound frame in bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// Connection is dropped if no data or pong is received for this long.
	IdleTimeout time.Duration `json:"-"`
	// Enable per-message compression.
	Compression bool `json:"compression"`
	// Take peer address from X-Forwarded-For.
	UseXForwardedFor bool `json:"use_x_forwarded_for"`
	// Frames queued for sending.
	SendQueueLen int `json:"send_queue_len"`
}

func (cfg WebsockConfig) withDefaults() WebsockConfig {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = defaultSendQueueLen
	}
	return cfg
}

// Websock accepts bus connections over websocket. It is an http.Handler to
// be mounted on the server mux.
type Websock struct {
	cfg      WebsockConfig
	upgrader websocket.Upgrader

	lock   sync.RWMutex
	accept bus.AcceptFunc
}

// NewWebsock creates a websocket transport.
func NewWebsock(cfg WebsockConfig) *Websock {
	cfg = cfg.withDefaults()
	return &Websock{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: cfg.Compression,
			// Allow connections from any Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start implements bus.Transport.
func (t *Websock) Start(ctx context.Context, accept bus.AcceptFunc) error {
	t.lock.Lock()
	t.accept = accept
	t.lock.Unlock()
	return nil
}

// Stop implements bus.Transport. Already open connections are closed by the bus.
func (t *Websock) Stop() error {
	t.lock.Lock()
	t.accept = nil
	t.lock.Unlock()
	return nil
}

func writeHTTPErr(wrt http.ResponseWriter, status int, err *bus.Err) {
	wrt.Header().Set("Content-Type", "application/json; charset=utf-8")
	wrt.WriteHeader(status)
	json.NewEncoder(wrt).Encode(err)
}

// ServeHTTP upgrades the request to a websocket and hands it to the bus.
func (t *Websock) ServeHTTP(wrt http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeHTTPErr(wrt, http.StatusMethodNotAllowed, bus.NewErr(bus.ErrCodeVal, "method not allowed"))
		logs.Err.Println("ws: Invalid HTTP method", req.Method)
		return
	}

	t.lock.RLock()
	accept := t.accept
	t.lock.RUnlock()
	if accept == nil {
		writeHTTPErr(wrt, http.StatusServiceUnavailable, bus.NewErr(bus.ErrCodeInternal, "not accepting connections"))
		return
	}

	ws, err := t.upgrader.Upgrade(wrt, req, nil)
	if _, ok := err.(websocket.HandshakeError); ok {
		logs.Err.Println("ws: Not a websocket handshake")
		return
	} else if err != nil {
		logs.Err.Println("ws: failed to Upgrade ", err)
		return
	}

	addr := remoteAddr(req.Header.Get("X-Forwarded-For"), req.RemoteAddr, t.cfg.UseXForwardedFor)
	accept(newWsCon(ws, addr, t.cfg))
}

// DialWebsock connects to a bus websocket endpoint, i.e. "ws://localhost:6060/v0/bus".
func DialWebsock(ctx context.Context, url string, header http.Header, cfg WebsockConfig) (bus.Con, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return newWsCon(ws, url, cfg.withDefaults()), nil
}

// wsCon is a bus.Con over a websocket. The socket is read by readLoop and
// written only by writeLoop.
type wsCon struct {
	ws   *websocket.Conn
	addr string

	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once

	pongWait   time.Duration
	pingPeriod time.Duration
}

func newWsCon(ws *websocket.Conn, addr string, cfg WebsockConfig) *wsCon {
	c := &wsCon{
		ws:         ws,
		addr:       addr,
		in:         make(chan []byte, cfg.SendQueueLen),
		out:        make(chan []byte, cfg.SendQueueLen),
		done:       make(chan struct{}),
		pongWait:   cfg.IdleTimeout,
		pingPeriod: (cfg.IdleTimeout * 9) / 10,
	}

	// Do work in goroutines to return from ServeHTTP() to release file pointers.
	go c.writeLoop()
	go c.readLoop(cfg.MaxMessageSize)
	return c
}

func isUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure)
}

func (c *wsCon) readLoop(limit int64) {
	defer c.Close()

	c.ws.SetReadLimit(limit)
	c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if isUnexpectedClose(err) {
				logs.Err.Println("ws: readLoop", c.addr, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		select {
		case c.in <- raw:
		case <-c.done:
			return
		}
	}
}

func (c *wsCon) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)

	defer func() {
		ticker.Stop()
		// Break readLoop.
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.out:
			if err := wsWrite(c.ws, websocket.TextMessage, frame); err != nil {
				if isUnexpectedClose(err) {
					logs.Err.Println("ws: writeLoop", c.addr, err)
				}
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case <-ticker.C:
			if err := wsWrite(c.ws, websocket.PingMessage, nil); err != nil {
				if isUnexpectedClose(err) {
					logs.Err.Println("ws: writeLoop ping", c.addr, err)
				}
				c.Close()
				return
			}
		}
	}
}

// flush writes frames queued before the close. Don't care if they are delivered.
func (c *wsCon) flush() {
	for {
		select {
		case frame := <-c.out:
			if wsWrite(c.ws, websocket.TextMessage, frame) != nil {
				return
			}
		default:
			return
		}
	}
}

// Writes a message with the given message type (mt) and payload.
func wsWrite(ws *websocket.Conn, mt int, bits []byte) error {
	if bits == nil {
		bits = []byte{}
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(mt, bits)
}

// Recv implements bus.Con.
func (c *wsCon) Recv(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.done:
		select {
		case raw := <-c.in:
			return raw, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send implements bus.Con. It blocks while the send queue is full.
func (c *wsCon) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return bus.ErrConClosed
	default:
	}

	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return bus.ErrConClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements bus.Con.
func (c *wsCon) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// RemoteAddr implements bus.Con.
func (c *wsCon) RemoteAddr() string {
	return c.addr
}
