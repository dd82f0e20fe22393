/******************************************************************************
 *
 *  Description :
 *
 *    gRPC transport. A bus connection is one bidirectional MessageLoop
 *    stream; every stream message carries one JSON frame as bytes.
 *    See also websock.go.
 *
 *****************************************************************************/

package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tinode/bus/server/bus"
	"github.com/tinode/bus/server/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const grpcMessageLoop = "/bus.Node/MessageLoop"

// NodeServer is the server API of the bus.Node service.
type NodeServer interface {
	MessageLoop(stream grpc.ServerStream) error
}

func messageLoopHandler(srv any, stream grpc.ServerStream) error {
	return srv.(NodeServer).MessageLoop(stream)
}

// nodeServiceDesc describes
//
//	service Node {
//	  rpc MessageLoop(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue) {}
//	}
var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: "bus.Node",
	HandlerType: (*NodeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "MessageLoop",
			Handler:       messageLoopHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "bus.proto",
}

// GrpcConfig configures the gRPC transport.
type GrpcConfig struct {
	// Address to listen on, i.e. ":16060" or "unix:/run/bus.sock".
	Listen string `json:"listen"`
	// Enable keepalive pings.
	Keepalive bool `json:"keepalive"`
	// Largest inbound frame in bytes.
	MaxMessageSize int `json:"max_message_size"`
	// Optional TLS.
	TLS *tls.Config `json:"-"`
	// Pre-created listener, takes precedence over Listen.
	Listener net.Listener `json:"-"`
}

// Grpc accepts bus connections as gRPC streams.
type Grpc struct {
	cfg GrpcConfig

	lock   sync.Mutex
	srv    *grpc.Server
	accept bus.AcceptFunc
}

// NewGrpc creates a gRPC transport.
func NewGrpc(cfg GrpcConfig) *Grpc {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	return &Grpc{cfg: cfg}
}

// Start implements bus.Transport. It starts serving in background.
func (t *Grpc) Start(ctx context.Context, accept bus.AcceptFunc) error {
	lis := t.cfg.Listener
	if lis == nil {
		var err error
		if lis, err = Listen(t.cfg.Listen); err != nil {
			return err
		}
	}

	secure := ""
	var opts []grpc.ServerOption
	opts = append(opts, grpc.MaxRecvMsgSize(t.cfg.MaxMessageSize))
	if t.cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(t.cfg.TLS)))
		secure = " secure"
	}

	if t.cfg.Keepalive {
		kepConfig := keepalive.EnforcementPolicy{
			MinTime:             1 * time.Second, // If a client pings more than once every second, terminate the connection
			PermitWithoutStream: true,            // Allow pings even when there are no active streams
		}
		opts = append(opts, grpc.KeepaliveEnforcementPolicy(kepConfig))

		kpConfig := keepalive.ServerParameters{
			Time:    60 * time.Second, // Ping the client if it is idle for 60 seconds to ensure the connection is still active
			Timeout: 20 * time.Second, // Wait 20 second for the ping ack before assuming the connection is dead
		}
		opts = append(opts, grpc.KeepaliveParams(kpConfig))
	}

	srv := grpc.NewServer(opts...)
	srv.RegisterService(&nodeServiceDesc, t)

	t.lock.Lock()
	t.srv = srv
	t.accept = accept
	t.lock.Unlock()

	logs.Info.Printf("gRPC/%s%s server is registered at [%s]", grpc.Version, secure, lis.Addr())

	go func() {
		if err := srv.Serve(lis); err != nil {
			logs.Err.Println("gRPC server failed:", err)
		}
	}()
	return nil
}

// Stop implements bus.Transport. Open streams are terminated.
func (t *Grpc) Stop() error {
	t.lock.Lock()
	srv := t.srv
	t.srv = nil
	t.accept = nil
	t.lock.Unlock()

	if srv != nil {
		srv.Stop()
	}
	return nil
}

// MessageLoop serves one bus connection for the lifetime of the stream.
func (t *Grpc) MessageLoop(stream grpc.ServerStream) error {
	t.lock.Lock()
	accept := t.accept
	t.lock.Unlock()
	if accept == nil {
		return status.Error(codes.Unavailable, "bus: not accepting connections")
	}

	addr := ""
	if p, ok := peer.FromContext(stream.Context()); ok {
		addr = p.Addr.String()
	}
	c := newStreamCon(stream, addr, nil)
	accept(c)

	// Returning from the handler ends the stream.
	select {
	case <-c.done:
	case <-stream.Context().Done():
		c.Close()
	}
	return nil
}

// DialGrpc opens a bus connection to the gRPC endpoint at addr.
func DialGrpc(ctx context.Context, addr string, opts ...grpc.DialOption) (bus.Con, error) {
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(sctx, &nodeServiceDesc.Streams[0], grpcMessageLoop)
	if err != nil {
		cancel()
		cc.Close()
		return nil, err
	}

	var c *streamCon
	c = newStreamCon(stream, addr, func() {
		c.wlock.Lock()
		stream.CloseSend()
		c.wlock.Unlock()
		cancel()
		cc.Close()
	})
	return c, nil
}

// msgStream is what grpc.ServerStream and grpc.ClientStream have in common.
type msgStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// streamCon is a bus.Con over a gRPC stream.
type streamCon struct {
	stream msgStream
	addr   string

	// Serializes SendMsg.
	wlock sync.Mutex

	in      chan []byte
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newStreamCon(stream msgStream, addr string, onClose func()) *streamCon {
	c := &streamCon{
		stream:  stream,
		addr:    addr,
		in:      make(chan []byte, defaultSendQueueLen),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go c.readLoop()
	return c
}

func (c *streamCon) readLoop() {
	defer c.Close()

	for {
		var in wrapperspb.BytesValue
		if err := c.stream.RecvMsg(&in); err != nil {
			if err != io.EOF && status.Code(err) != codes.Canceled {
				logs.Warn.Println("grpc: recv", c.addr, err)
			}
			return
		}
		select {
		case c.in <- in.GetValue():
		case <-c.done:
			return
		}
	}
}

// Recv implements bus.Con.
func (c *streamCon) Recv(ctx context.Context) ([]byte, error) {
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

// Send implements bus.Con. gRPC flow control provides backpressure.
func (c *streamCon) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return bus.ErrConClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.wlock.Lock()
	defer c.wlock.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(frame)); err != nil {
		c.Close()
		if err == io.EOF {
			return bus.ErrConClosed
		}
		return err
	}
	return nil
}

// Close implements bus.Con.
func (c *streamCon) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			go c.onClose()
		}
	})
	return nil
}

// RemoteAddr implements bus.Con.
func (c *streamCon) RemoteAddr() string {
	return c.addr
}
