package transport

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/bus/server/bus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type ping struct {
	Seq int `json:"seq"`
}

func (ping) Code() string { return "ping" }

type pong struct {
	Seq int `json:"seq"`
}

func (pong) Code() string { return "pong" }

func startBus(t *testing.T, tr bus.Transport) *bus.Bus {
	t.Helper()
	b := bus.New()
	if err := b.Init(context.Background(), bus.Cfg{
		Transports: []bus.Transport{tr},
		RegTypes:   []bus.Codable{ping{}, pong{}},
	}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Destroy() })

	bus.Sub(b, func(ctx context.Context, m ping) (any, error) {
		return pong{Seq: m.Seq + 1}, nil
	})
	return b
}

func recvFrame(t *testing.T, con bus.Con) *bus.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := con.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	f, err := bus.ParseFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return f
}

// pingPong reads the welcome, sends a ping and checks the correlated pong.
func pingPong(t *testing.T, con bus.Con) {
	t.Helper()

	welcome := recvFrame(t, con)
	if welcome.Codeid == nil || *welcome.Codeid != 0 {
		t.Fatalf("expected welcome first, got %+v", welcome)
	}
	var w bus.WelcomeEvt
	if err := json.Unmarshal(welcome.Msg, &w); err != nil {
		t.Fatal(err)
	}
	pingID := slices.Index(w.Codes, "ping")
	pongID := slices.Index(w.Codes, "pong")
	if pingID < 0 || pongID < 0 {
		t.Fatalf("codes missing from welcome: %v", w.Codes)
	}

	out, _ := (&bus.Frame{Sid: "p1", Codeid: &pingID, Msg: json.RawMessage(`{"seq":41}`)}).Marshal()
	if err := con.Send(context.Background(), out); err != nil {
		t.Fatal(err)
	}

	f := recvFrame(t, con)
	if f.Codeid == nil || *f.Codeid != pongID || f.Lsid != "p1" {
		t.Fatalf("expected pong to p1, got %+v", f)
	}
	var p pong
	json.Unmarshal(f.Msg, &p)
	if diff := cmp.Diff(pong{Seq: 42}, p); diff != "" {
		t.Errorf("pong mismatch (-want +got):\n%s", diff)
	}
}

func expectEOF(t *testing.T, con bus.Con) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, err := con.Recv(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			t.Fatalf("expected EOF, got %v", err)
		}
	}
}

func TestWebsock(t *testing.T) {
	ws := NewWebsock(WebsockConfig{})
	b := startBus(t, ws)
	srv := httptest.NewServer(ws)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	con, err := DialWebsock(context.Background(), url, nil, WebsockConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer con.Close()

	pingPong(t, con)
	if n := b.LiveCount(); n != 1 {
		t.Errorf("expected 1 live connection, got %d", n)
	}

	// Server side close reaches the client.
	b.Close(b.Consids()[0])
	expectEOF(t, con)
}

func TestWebsockRejects(t *testing.T) {
	ws := NewWebsock(WebsockConfig{})
	startBus(t, ws)
	srv := httptest.NewServer(ws)
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected 405, got %d", resp.StatusCode)
	}

	ws.Stop()
	resp, err = http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("stopped: expected 503, got %d", resp.StatusCode)
	}
}

func TestGrpc(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	b := startBus(t, NewGrpc(GrpcConfig{Listener: lis}))

	con, err := DialGrpc(context.Background(), "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer con.Close()

	pingPong(t, con)

	// Client side close drops the bus connection.
	con.Close()
	deadline := time.Now().Add(5 * time.Second)
	for b.LiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bus connection not dropped after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteAddr(t *testing.T) {
	cases := []struct {
		forwarded, direct string
		use               bool
		want              string
	}{
		{"8.8.8.8", "10.0.0.1:5000", true, "8.8.8.8"},
		{"8.8.8.8, 10.0.0.2", "10.0.0.1:5000", true, "8.8.8.8"},
		{"192.168.1.1", "10.0.0.1:5000", true, "10.0.0.1:5000"},
		{"8.8.8.8", "10.0.0.1:5000", false, "10.0.0.1:5000"},
		{"garbage", "10.0.0.1:5000", true, "10.0.0.1:5000"},
	}
	for _, tc := range cases {
		if got := remoteAddr(tc.forwarded, tc.direct, tc.use); got != tc.want {
			t.Errorf("remoteAddr(%q, %q, %v): expected %s, got %s", tc.forwarded, tc.direct, tc.use, tc.want, got)
		}
	}
}
