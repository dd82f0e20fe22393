package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"
)

// Message types used by tests.

type Mock1 struct {
	Num int `json:"num"`
}

func (Mock1) Code() string { return "mock_1" }

type Mock2 struct {
	Text string `json:"text,omitempty"`
}

func (Mock2) Code() string { return "mock_2" }

type Tags []string

func (Tags) Code() string { return "tags" }

// Point is sent on the wire as "x,y".
type Point struct {
	X, Y int
}

func (Point) Code() string { return "point" }

func (Point) Deserialize(body json.RawMessage) (Codable, error) {
	if body == nil {
		return Point{}, nil
	}
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, err
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, errors.New("point must be 'x,y'")
	}
	x, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, err
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, err
	}
	return Point{X: x, Y: y}, nil
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%d,%d", p.X, p.Y))
}

type WithInternal struct {
	A      int    `json:"a"`
	Secret string `json:"internal__secret,omitempty"`
	Skip   string `json:"skip__me,omitempty"`
}

func (WithInternal) Code() string { return "with_internal" }

const testTimeout = 2 * time.Second

// newTestBus initializes a bus with an in-process transport.
func newTestBus(t *testing.T, cfg Cfg) (*Bus, *PipeTransport) {
	t.Helper()
	tr := NewPipeTransport()
	cfg.Transports = append(cfg.Transports, tr)
	if cfg.RegTypes == nil {
		cfg.RegTypes = []Codable{Mock1{}, Mock2{}}
	}
	b := New()
	if err := b.Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { b.Destroy() })
	return b, tr
}

// peer is the remote side of a connection.
type peer struct {
	t     *testing.T
	con   Con
	codes []string
}

// dialPeer connects to the bus and waits for the welcome frame.
func dialPeer(t *testing.T, tr *PipeTransport) *peer {
	t.Helper()
	con, err := tr.Dial()
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	p := &peer{t: t, con: con}
	f := p.recv()
	if f.Codeid == nil || *f.Codeid != 0 {
		t.Fatalf("first frame must be welcome, got %+v", f)
	}
	var w WelcomeEvt
	if err := json.Unmarshal(f.Msg, &w); err != nil {
		t.Fatalf("welcome body: %v", err)
	}
	p.codes = w.Codes
	return p
}

func (p *peer) codeid(code string) int {
	for i, c := range p.codes {
		if c == code {
			return i
		}
	}
	p.t.Fatalf("code '%s' not announced in welcome", code)
	return -1
}

func (p *peer) sendRaw(raw string) {
	p.t.Helper()
	if err := p.con.Send(context.Background(), []byte(raw)); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

// send sends msg with the given sid and returns the sid.
func (p *peer) send(sid, lsid string, msg Codable) string {
	p.t.Helper()
	codeid := p.codeid(msg.Code())
	f := Frame{Sid: sid, Lsid: lsid, Codeid: &codeid}
	if body, err := json.Marshal(msg); err != nil {
		p.t.Fatalf("marshal: %v", err)
	} else if string(body) != "{}" {
		f.Msg = body
	}
	raw, _ := f.Marshal()
	p.sendRaw(string(raw))
	return sid
}

func (p *peer) recv() *Frame {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	raw, err := p.con.Recv(ctx)
	if err != nil {
		p.t.Fatalf("recv: %v", err)
	}
	f, err := ParseFrame(raw)
	if err != nil {
		p.t.Fatalf("parse: %v", err)
	}
	return f
}

// expectNothing fails if a frame arrives within d.
func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if raw, err := p.con.Recv(ctx); err == nil {
		p.t.Errorf("unexpected frame: %s", raw)
	}
}

func (p *peer) recvCode(want string) *Frame {
	p.t.Helper()
	f := p.recv()
	if f.Codeid == nil || p.codes[*f.Codeid] != want {
		p.t.Fatalf("expected '%s' frame, got %+v (%s)", want, f, f.Msg)
	}
	return f
}

func (p *peer) recvErr() (*Frame, *Err) {
	p.t.Helper()
	f := p.recvCode("err_evt")
	var e Err
	if err := json.Unmarshal(f.Msg, &e); err != nil {
		p.t.Fatalf("err body: %v", err)
	}
	return f, &e
}

// waitFor polls cond until it is true or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
