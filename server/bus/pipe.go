package bus

import (
	"context"
	"io"
	"sync"
)

const pipeQueueLen = 64

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.done) })
}

// pipeEnd is one end of an in-memory connection.
type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
	addr   string
}

// Pipe creates a pair of connected in-memory connections. Frames sent on
// one end are received on the other. Closing either end closes both.
func Pipe() (Con, Con) {
	shared := &pipeShared{done: make(chan struct{})}
	a2b := make(chan []byte, pipeQueueLen)
	b2a := make(chan []byte, pipeQueueLen)
	return &pipeEnd{in: b2a, out: a2b, shared: shared, addr: "pipe:a"},
		&pipeEnd{in: a2b, out: b2a, shared: shared, addr: "pipe:b"}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.done:
		// Deliver frames which were queued before the close.
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.shared.done:
		return ErrConClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.out <- buf:
		return nil
	case <-p.shared.done:
		return ErrConClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.shared.close()
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	return p.addr
}

// PipeTransport connects in-process peers to the bus.
type PipeTransport struct {
	lock   sync.Mutex
	accept AcceptFunc
}

// NewPipeTransport creates an in-process transport.
func NewPipeTransport() *PipeTransport {
	return &PipeTransport{}
}

// Start implements Transport.
func (t *PipeTransport) Start(ctx context.Context, accept AcceptFunc) error {
	t.lock.Lock()
	t.accept = accept
	t.lock.Unlock()
	return nil
}

// Stop implements Transport.
func (t *PipeTransport) Stop() error {
	t.lock.Lock()
	t.accept = nil
	t.lock.Unlock()
	return nil
}

// Dial creates a new connection to the bus and returns the client end.
func (t *PipeTransport) Dial() (Con, error) {
	t.lock.Lock()
	accept := t.accept
	t.lock.Unlock()
	if accept == nil {
		return nil, ErrConClosed
	}

	client, server := Pipe()
	accept(server)
	return client, nil
}
