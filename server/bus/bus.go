/******************************************************************************
 *
 *  Description :
 *
 *    Bus core: connection lifecycle, dispatch of messages to subscriptions
 *    and RPC handlers, request/reply correlation.
 *
 *****************************************************************************/

// Package bus implements a connection-multiplexing publish/subscribe
// message bus with request/reply correlation, keyed RPC, a compact
// code table wire codec and a filter pipeline.
package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinode/bus/server/concurrency"
	"github.com/tinode/bus/server/logs"
)

const (
	defaultPubrTimeout = 10 * time.Second
	defaultWorkers     = 64
	defaultConQueueLen = 128
)

// Cfg configures the bus. It is not changed after Init.
type Cfg struct {
	// Transports started by Init and stopped by Destroy.
	Transports []Transport
	// Message types registered after the built-ins, in this order.
	RegTypes []Codable
	// Global conditions; all must pass for handlers to run.
	Conditions []Condition
	// Global input filters, run in declaration order.
	InpFilters []InpFilter
	// Optional wrapper of every dispatch.
	SubCtxFn CtxFn
	// Called after a connection is closed and removed.
	OnConClose func(consid string)
	// Called by Init once the bus is usable but before transports are started.
	// Subscriptions made here are live for the first connection.
	Setup func(b *Bus) error
	// Default Pubr timeout.
	PubrTimeout time.Duration
	// Number of goroutines dispatching bus-internal publishes.
	Workers int
	// Length of the per-connection inbound queue.
	ConQueueLen int
	// If set, bus metrics are registered here.
	Registerer prometheus.Registerer
	// Namespace of the metrics.
	MetricsNamespace string
}

// PubOpts are optional parameters of Pub and Pubr.
type PubOpts struct {
	// Sid of the message being replied to.
	Lsid string
	// Connections to forward the message to.
	Target []string
	// Overrides Cfg.PubrTimeout.
	PubrTimeout time.Duration
}

// HandlerFunc handles one message. It may return nil, a Codable, a
// []Codable (several replies), a Result, or an error.
type HandlerFunc func(ctx context.Context, msg Codable) (any, error)

// SubID identifies a subscription.
type SubID uint64

type subscription struct {
	id   SubID
	code string
	fn   HandlerFunc
}

// Bus multiplexes connections and dispatches messages to handlers. Create
// one per process at the composition root and pass it to whoever needs it.
type Bus struct {
	lock   sync.RWMutex
	inited bool
	cfg    Cfg

	ctx    context.Context
	cancel context.CancelFunc

	reg  *Registry
	pipe pipeline

	subs   map[string][]*subscription
	subSeq SubID
	rpcs   map[string]*rpcBinding

	// Live connections indexed by consid.
	cons map[string]*conn
	// Pending Pubr calls indexed by sid of the request.
	waiters map[string]chan *Bmsg

	pool  *concurrency.GoRoutinePool
	stats *stats
}

// New creates a bus. It must be initialized with Init before use.
func New() *Bus {
	return &Bus{}
}

// Init builds the code table, runs Cfg.Setup and starts the transports.
func (b *Bus) Init(ctx context.Context, cfg Cfg) error {
	b.lock.Lock()
	if b.inited {
		b.lock.Unlock()
		return ErrAlreadyInitialized
	}

	reg := NewRegistry()
	for _, t := range cfg.RegTypes {
		if _, err := reg.Register(t); err != nil {
			b.lock.Unlock()
			return fmt.Errorf("bus: failed to register %T: %w", t, err)
		}
	}

	if cfg.PubrTimeout <= 0 {
		cfg.PubrTimeout = defaultPubrTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ConQueueLen <= 0 {
		cfg.ConQueueLen = defaultConQueueLen
	}

	st := newStats(cfg.MetricsNamespace)
	if cfg.Registerer != nil {
		if err := st.register(cfg.Registerer); err != nil {
			st.unregister(cfg.Registerer)
			b.lock.Unlock()
			return err
		}
	}

	b.cfg = cfg
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.reg = reg
	b.pipe = pipeline{
		conditions: slices.Clone(cfg.Conditions),
		filters:    slices.Clone(cfg.InpFilters),
	}
	b.subs = make(map[string][]*subscription)
	b.rpcs = make(map[string]*rpcBinding)
	b.cons = make(map[string]*conn)
	b.waiters = make(map[string]chan *Bmsg)
	b.pool = concurrency.NewGoRoutinePool(cfg.Workers)
	b.stats = st
	b.inited = true
	b.lock.Unlock()

	if cfg.Setup != nil {
		if err := cfg.Setup(b); err != nil {
			b.Destroy()
			return fmt.Errorf("bus: setup failed: %w", err)
		}
	}

	for _, t := range cfg.Transports {
		if err := t.Start(b.ctx, b.Accept); err != nil {
			b.Destroy()
			return fmt.Errorf("bus: failed to start transport: %w", err)
		}
	}

	logs.Info.Printf("bus: initialized, codes: %d, transports: %d", reg.Len(), len(cfg.Transports))
	return nil
}

// Destroy closes all connections, stops transports and clears all
// registries. The bus may be initialized again afterwards.
func (b *Bus) Destroy() error {
	b.lock.Lock()
	if !b.inited {
		b.lock.Unlock()
		return nil
	}

	cons := make([]*conn, 0, len(b.cons))
	for _, c := range b.cons {
		cons = append(cons, c)
	}
	for sid, ch := range b.waiters {
		delete(b.waiters, sid)
		close(ch)
	}
	transports := b.cfg.Transports
	registerer := b.cfg.Registerer
	st := b.stats
	pool := b.pool
	cancel := b.cancel

	b.inited = false
	b.cfg = Cfg{}
	b.reg = nil
	b.pipe = pipeline{}
	b.subs = nil
	b.rpcs = nil
	b.cons = nil
	b.waiters = nil
	b.lock.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range cons {
		c.close()
	}
	pool.Stop()
	cancel()
	if registerer != nil {
		st.unregister(registerer)
	}

	logs.Info.Printf("bus: destroyed, connections closed: %d", len(cons))
	return errors.Join(errs...)
}

// Registry returns the code table or nil if the bus is not initialized.
func (b *Bus) Registry() *Registry {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.reg
}

// Register adds message types to the code table.
func (b *Bus) Register(types ...Codable) error {
	reg := b.Registry()
	if reg == nil {
		return ErrNotInitialized
	}
	for _, t := range types {
		if _, err := reg.Register(t); err != nil {
			return fmt.Errorf("bus: failed to register %T: %w", t, err)
		}
	}
	return nil
}

// Sub subscribes fn to messages of type T. The type is registered if needed.
func Sub[T Codable](b *Bus, fn func(ctx context.Context, msg T) (any, error)) (SubID, error) {
	var zero T
	reg := b.Registry()
	if reg == nil {
		return 0, ErrNotInitialized
	}
	if _, err := reg.Register(zero); err != nil {
		return 0, err
	}
	rt, err := reg.ByType(zero)
	if err != nil {
		return 0, err
	}
	return b.SubCode(rt.Code, func(ctx context.Context, msg Codable) (any, error) {
		v, ok := msg.(T)
		if !ok {
			return nil, NewErr(ErrCodeVal, fmt.Sprintf("expected %T, got %T", zero, msg))
		}
		return fn(ctx, v)
	})
}

// SubCode subscribes fn to messages with the given registered code.
// Every call creates a new subscription, even for the same code.
func (b *Bus) SubCode(code string, fn HandlerFunc) (SubID, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.inited {
		return 0, ErrNotInitialized
	}
	if _, err := b.reg.ByCode(code); err != nil {
		return 0, err
	}
	b.subSeq++
	b.subs[code] = append(b.subs[code], &subscription{id: b.subSeq, code: code, fn: fn})
	return b.subSeq, nil
}

// Unsub removes a subscription. Returns false if it was not found.
func (b *Bus) Unsub(id SubID) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	for code, list := range b.subs {
		for i, s := range list {
			if s.id == id {
				b.subs[code] = slices.Delete(slices.Clone(list), i, i+1)
				return true
			}
		}
	}
	return false
}

// Pub publishes msg: it is dispatched to matching local subscriptions and
// forwarded to the target connections, if any. Pub does not wait for
// handlers. The returned envelope carries the sid of the message.
func (b *Bus) Pub(ctx context.Context, msg Codable, opts *PubOpts) (*Bmsg, error) {
	m, err := b.envelope(msg, opts)
	if err != nil {
		return nil, err
	}
	return m, b.publish(ctx, m, true)
}

// Pubr publishes msg and waits for the first reply correlated to it. A
// reply carrying *Err is returned as the error. If no reply arrives in
// time ErrTimeout is returned.
func (b *Bus) Pubr(ctx context.Context, msg Codable, opts *PubOpts) (Codable, error) {
	m, err := b.envelope(msg, opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Bmsg, 1)
	b.lock.Lock()
	if !b.inited {
		b.lock.Unlock()
		return nil, ErrNotInitialized
	}
	b.waiters[m.Sid] = ch
	st := b.stats
	timeout := b.cfg.PubrTimeout
	b.lock.Unlock()

	if opts != nil && opts.PubrTimeout > 0 {
		timeout = opts.PubrTimeout
	}

	defer b.dropWaiter(m.Sid)

	// The deadline covers scheduling of the dispatch too.
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = b.publish(wctx, m, true)
	if err == nil {
		select {
		case r, ok := <-ch:
			if !ok {
				return nil, ErrDestroyed
			}
			if e, isErr := r.Msg.(*Err); isErr {
				return nil, e
			}
			return r.Msg, nil
		case <-wctx.Done():
			err = wctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		st.pubrTimeouts.Inc()
		return nil, ErrTimeout
	}
	return nil, err
}

// envelope wraps msg for publishing.
func (b *Bus) envelope(msg Codable, opts *PubOpts) (*Bmsg, error) {
	if msg == nil {
		return nil, ErrNotCodable
	}
	reg := b.Registry()
	if reg == nil {
		return nil, ErrNotInitialized
	}
	if _, err := reg.ByType(msg); err != nil {
		return nil, fmt.Errorf("bus: %T: %w", msg, err)
	}

	m := NewBmsg(msg)
	if opts != nil {
		m.Lsid = opts.Lsid
		m.TargetConsids = slices.Clone(opts.Target)
	}
	return m, nil
}

func (b *Bus) dropWaiter(sid string) {
	b.lock.Lock()
	if b.waiters != nil {
		delete(b.waiters, sid)
	}
	b.lock.Unlock()
}

// PendingCount returns the number of Pubr calls waiting for replies.
func (b *Bus) PendingCount() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.waiters)
}

// resolveWaiter delivers a reply to the Pubr waiting for it.
func (b *Bus) resolveWaiter(m *Bmsg) bool {
	if m.Lsid == "" {
		return false
	}

	b.lock.Lock()
	ch, ok := b.waiters[m.Lsid]
	if ok {
		delete(b.waiters, m.Lsid)
	}
	b.lock.Unlock()

	if ok {
		ch <- m
	}
	return ok
}

// publish routes an envelope. Replies go to the waiting Pubr and the target
// connections; they reach local subscriptions only if nobody else took them.
func (b *Bus) publish(ctx context.Context, m *Bmsg, async bool) error {
	b.lock.RLock()
	inited := b.inited
	pool := b.pool
	b.lock.RUnlock()
	if !inited {
		return ErrNotInitialized
	}

	consumed := b.resolveWaiter(m)

	var errs []error
	for _, consid := range m.TargetConsids {
		if err := b.sendTo(ctx, consid, m); err != nil {
			logs.Warn.Printf("bus: failed to forward '%s' to %s: %v", m.Code, consid, err)
			errs = append(errs, err)
		}
		consumed = true
	}

	if m.Lsid != "" && consumed {
		return errors.Join(errs...)
	}

	if async {
		dctx := context.WithValue(context.WithoutCancel(ctx), poolWorkerKey{}, true)
		task := func() { b.dispatch(dctx, m) }
		if onPoolWorker(ctx) {
			// A pool worker never blocks on the pool itself.
			if !pool.TrySchedule(task) {
				go task()
			}
		} else if !pool.Schedule(ctx, task) {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
			} else {
				errs = append(errs, ErrNotInitialized)
			}
		}
	} else {
		b.dispatch(ctx, m)
	}
	return errors.Join(errs...)
}

type poolWorkerKey struct{}

// onPoolWorker reports whether ctx belongs to a dispatch running on the pool.
func onPoolWorker(ctx context.Context) bool {
	on, _ := ctx.Value(poolWorkerKey{}).(bool)
	return on
}

// dispatch runs conditions, filters and handlers for one message.
func (b *Bus) dispatch(ctx context.Context, m *Bmsg) {
	b.lock.RLock()
	if !b.inited {
		b.lock.RUnlock()
		return
	}
	subs := slices.Clone(b.subs[m.Code])
	pipe := b.pipe
	ctxFn := b.cfg.SubCtxFn
	st := b.stats
	origin := b.cons[m.OriginConsid]
	b.lock.RUnlock()

	isRpc := m.Code == (RpcSend{}).Code()
	if len(subs) == 0 && !isRpc {
		return
	}

	dctx := &DispatchCtx{Consid: m.OriginConsid, Sid: m.Sid}
	if origin != nil {
		dctx.Tokens = origin.tokenList()
	}
	ctx = WithDispatchCtx(ctx, dctx)
	if ctxFn != nil {
		inner, exit, err := ctxFn(ctx, dctx)
		if err != nil {
			st.handlerErrors.Inc()
			b.replyResult(ctx, m, isRpc, Fail(ErrFromError(err)))
			return
		}
		if exit != nil {
			defer exit()
		}
		if inner != nil {
			ctx = inner
		}
	}

	if !pipe.check(ctx, m.Msg) {
		return
	}
	msg, intr, err := pipe.filter(ctx, m.Msg)
	if err != nil {
		st.handlerErrors.Inc()
		logs.Warn.Printf("bus: input filter failed for '%s' sid=%s: %v", m.Code, m.Sid, err)
		b.replyResult(ctx, m, isRpc, Fail(ErrFromError(err)))
		return
	}
	if intr != nil {
		st.interrupts.Inc()
		b.replyResult(ctx, m, isRpc, intr.Result)
		return
	}

	if isRpc {
		if req, ok := msg.(RpcSend); ok {
			b.callRpc(ctx, m, req)
		}
	}
	for _, s := range subs {
		out, err := safeCall(func() (any, error) { return s.fn(ctx, msg) })
		if err != nil {
			st.handlerErrors.Inc()
			e := ErrFromError(err)
			logs.Warn.Printf("bus: handler for '%s' sid=%s failed: %v (%s)", m.Code, m.Sid, e, e.Name)
			b.reply(ctx, m, e)
			continue
		}
		replies, err := replyPayloads(out)
		if err != nil {
			st.handlerErrors.Inc()
			logs.Err.Printf("bus: handler for '%s' returned %v", m.Code, err)
			b.reply(ctx, m, ErrFromError(err))
			continue
		}
		for _, r := range replies {
			b.reply(ctx, m, r)
		}
	}
}

// safeCall converts handler panics into errors.
func safeCall(fn func() (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logs.Err.Printf("bus: handler panic: %v\n%s", r, debug.Stack())
			out, err = nil, NewErr(ErrCodeInternal, fmt.Sprint(r))
		}
	}()
	return fn()
}

// replyPayloads normalizes a handler result into a list of replies.
func replyPayloads(out any) ([]Codable, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case Result:
		return []Codable{v.Payload()}, nil
	case *Result:
		if v == nil {
			return nil, nil
		}
		return []Codable{v.Payload()}, nil
	case []Codable:
		return v, nil
	case Codable:
		return []Codable{v}, nil
	}

	// Slices of concrete message types.
	rv := reflect.ValueOf(out)
	if rv.Kind() == reflect.Slice {
		replies := make([]Codable, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			c, ok := rv.Index(i).Interface().(Codable)
			if !ok {
				return nil, fmt.Errorf("bus: unsupported handler result %T", out)
			}
			replies = append(replies, c)
		}
		return replies, nil
	}
	return nil, fmt.Errorf("bus: unsupported handler result %T", out)
}

// reply publishes payload as a reply to src, routed back to its origin.
func (b *Bus) reply(ctx context.Context, src *Bmsg, payload Codable) {
	if payload == nil {
		return
	}
	r := NewBmsg(payload)
	r.Lsid = src.Sid
	if src.OriginConsid != "" {
		r.TargetConsids = []string{src.OriginConsid}
	}
	if err := b.publish(ctx, r, false); err != nil {
		logs.Warn.Printf("bus: reply '%s' to sid=%s not delivered: %v", r.Code, src.Sid, err)
	}
}

// replyResult sends a filter or pipeline result in the form the caller expects.
func (b *Bus) replyResult(ctx context.Context, src *Bmsg, isRpc bool, res Result) {
	if isRpc {
		b.reply(ctx, src, rpcRecvFromResult(res))
		return
	}
	b.reply(ctx, src, res.Payload())
}

// Accept takes over a connection produced by a transport.
func (b *Bus) Accept(con Con) {
	b.lock.Lock()
	if !b.inited {
		b.lock.Unlock()
		con.Close()
		return
	}
	c := newConn(NewSid(), con, b.cfg.ConQueueLen)
	b.cons[c.consid] = c
	count := len(b.cons)
	ctx := b.ctx
	st := b.stats
	b.lock.Unlock()

	st.totalCons.Inc()
	st.liveCons.Inc()
	logs.Info.Println("bus: connection accepted", c.consid, con.RemoteAddr(), count)

	go b.serve(ctx, c)
}

// serve drives one connection through its lifecycle.
func (b *Bus) serve(ctx context.Context, c *conn) {
	defer b.dropConn(c)

	c.setState(conWelcoming)
	reg := b.Registry()
	if reg == nil {
		return
	}
	welcome := NewBmsg(WelcomeEvt{Codes: reg.Codes()})
	if err := b.write(ctx, c, welcome); err != nil {
		logs.Warn.Println("bus: failed to send welcome", c.consid, err)
		return
	}

	c.setState(conReading)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for m := range c.inbox {
			b.dispatch(ctx, m)
		}
	}()

	b.readLoop(ctx, c)
	close(c.inbox)
	<-dispatched
}

// readLoop reads and decodes frames until the connection ends.
func (b *Bus) readLoop(ctx context.Context, c *conn) {
	for {
		raw, err := c.con.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logs.Warn.Println("bus: receive failed", c.consid, err)
			}
			return
		}

		reg := b.Registry()
		if reg == nil {
			return
		}
		st := b.statsRef()
		st.framesIn.Inc()

		m, err := b.decode(reg, raw)
		if err != nil {
			st.decodeErrors.Inc()
			var de *DecodeError
			errors.As(err, &de)
			logs.Warn.Println("bus: decode failed", c.consid, err)
			reply := NewBmsg(ErrFromError(err))
			if de != nil {
				reply.Lsid = de.Sid
			}
			if err := b.write(ctx, c, reply); err != nil {
				return
			}
			continue
		}
		m.OriginConsid = c.consid

		// Replies to our own Pubr calls are resolved here, so a handler of
		// this connection may wait for its peer.
		if b.resolveWaiter(m) {
			continue
		}

		select {
		case c.inbox <- m:
		case <-c.done:
			return
		}
	}
}

func (b *Bus) decode(reg *Registry, raw []byte) (*Bmsg, error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, err
	}
	return reg.DeserializeFromNet(f)
}

// write serializes m and sends it to c.
func (b *Bus) write(ctx context.Context, c *conn, m *Bmsg) error {
	reg := b.Registry()
	if reg == nil {
		return ErrNotInitialized
	}
	f, err := reg.SerializeToNet(m)
	if err != nil {
		return err
	}
	raw, err := f.Marshal()
	if err != nil {
		return err
	}
	if err := c.con.Send(ctx, raw); err != nil {
		return err
	}
	b.statsRef().framesOut.Inc()
	return nil
}

// statsRef returns current metrics. Metrics outlive Destroy so late
// updates from closing connections are harmless.
func (b *Bus) statsRef() *stats {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.stats
}

// sendTo forwards m to the connection with the given consid.
func (b *Bus) sendTo(ctx context.Context, consid string, m *Bmsg) error {
	c := b.getConn(consid)
	if c == nil {
		return ErrConClosed
	}
	return b.write(ctx, c, m)
}

func (b *Bus) getConn(consid string) *conn {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.cons[consid]
}

// dropConn closes c and removes it from the live set.
func (b *Bus) dropConn(c *conn) {
	c.close()

	b.lock.Lock()
	removed := false
	if b.cons != nil && b.cons[c.consid] == c {
		delete(b.cons, c.consid)
		removed = true
	}
	count := len(b.cons)
	st := b.stats
	onClose := b.cfg.OnConClose
	b.lock.Unlock()

	if removed {
		st.liveCons.Dec()
		if onClose != nil {
			onClose(c.consid)
		}
	}
	logs.Info.Println("bus: connection closed", c.consid, count)
}

// Close closes the connection with the given consid.
func (b *Bus) Close(consid string) error {
	c := b.getConn(consid)
	if c == nil {
		return ErrConClosed
	}
	c.close()
	return nil
}

// LiveCount returns the number of open connections.
func (b *Bus) LiveCount() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.cons)
}

// Consids returns ids of all open connections.
func (b *Bus) Consids() []string {
	b.lock.RLock()
	defer b.lock.RUnlock()

	out := make([]string, 0, len(b.cons))
	for id := range b.cons {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ConTokens returns the tokens of a connection.
func (b *Bus) ConTokens(consid string) ([]string, error) {
	c := b.getConn(consid)
	if c == nil {
		return nil, ErrConClosed
	}
	return c.tokenList(), nil
}

// SetConTokens replaces the tokens of a connection.
func (b *Bus) SetConTokens(consid string, tokens []string) error {
	c := b.getConn(consid)
	if c == nil {
		return ErrConClosed
	}
	c.setTokens(tokens)
	return nil
}

// AddConToken adds a token to a connection.
func (b *Bus) AddConToken(consid, token string) error {
	c := b.getConn(consid)
	if c == nil {
		return ErrConClosed
	}
	c.addToken(token)
	return nil
}

// DelConToken removes a token from a connection.
func (b *Bus) DelConToken(consid, token string) error {
	c := b.getConn(consid)
	if c == nil {
		return ErrConClosed
	}
	c.delToken(token)
	return nil
}
