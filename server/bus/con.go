package bus

import (
	"context"
	"sort"
	"sync"
)

// Con is one duplex logical channel to a remote peer. Implementations are
// provided by transports.
type Con interface {
	// Recv blocks until the next inbound frame arrives. It returns io.EOF
	// once the connection is closed by either side.
	Recv(ctx context.Context) ([]byte, error)
	// Send writes one frame. It blocks while the transport applies
	// backpressure and never drops frames silently.
	Send(ctx context.Context, frame []byte) error
	// Close terminates the connection. Repeated calls are no-ops.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// AcceptFunc hands a freshly accepted connection over to the bus.
type AcceptFunc func(con Con)

// Transport binds network listeners to Con instances.
type Transport interface {
	// Start begins accepting connections. Every accepted connection is passed to accept.
	Start(ctx context.Context, accept AcceptFunc) error
	// Stop stops accepting new connections.
	Stop() error
}

// Connection states.
const (
	conAccepted = iota
	conWelcoming
	conReading
	conClosing
	conClosed
)

// conn is the bus-side state of a live connection.
type conn struct {
	consid string
	con    Con

	lock   sync.Mutex
	state  int
	tokens map[string]struct{}

	// Ordered queue of decoded inbound messages for the dispatch goroutine.
	inbox chan *Bmsg
	// Closed when the connection is done.
	done chan struct{}
	once sync.Once
}

func newConn(consid string, con Con, queueLen int) *conn {
	return &conn{
		consid: consid,
		con:    con,
		state:  conAccepted,
		tokens: make(map[string]struct{}),
		inbox:  make(chan *Bmsg, queueLen),
		done:   make(chan struct{}),
	}
}

func (c *conn) setState(state int) {
	c.lock.Lock()
	c.state = state
	c.lock.Unlock()
}

// tokenList returns a sorted copy of the token set.
func (c *conn) tokenList() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make([]string, 0, len(c.tokens))
	for t := range c.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *conn) setTokens(tokens []string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.state == conClosed {
		return
	}
	c.tokens = make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		c.tokens[t] = struct{}{}
	}
}

func (c *conn) addToken(token string) {
	c.lock.Lock()
	if c.tokens != nil {
		c.tokens[token] = struct{}{}
	}
	c.lock.Unlock()
}

func (c *conn) delToken(token string) {
	c.lock.Lock()
	delete(c.tokens, token)
	c.lock.Unlock()
}

// close moves the connection to Closed and releases the underlying Con.
func (c *conn) close() {
	c.once.Do(func() {
		c.setState(conClosing)
		c.con.Close()
		close(c.done)
		c.lock.Lock()
		c.tokens = nil
		c.state = conClosed
		c.lock.Unlock()
	})
}
