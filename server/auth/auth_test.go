package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/bus/server/bus"
)

// fakeAuth accepts tokens of the form "<scope>".
type fakeAuth struct{}

func (fakeAuth) Authenticate(token []byte) (*Rec, error) {
	if string(token) == "bad" {
		return nil, ErrFailed
	}
	s, err := ParseScope(string(token))
	if err != nil {
		return nil, err
	}
	return &Rec{Subject: 7, Scope: s, Lifetime: time.Hour}, nil
}

func (fakeAuth) GenSecret(rec *Rec) ([]byte, time.Time, error) {
	return []byte(rec.Scope.String()), time.Now().Add(time.Hour), nil
}

type secretReq struct{}

func (secretReq) Code() string { return "secret_req" }

type client struct {
	t     *testing.T
	con   bus.Con
	codes []string
}

func (c *client) recv() (*bus.Frame, string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.con.Recv(ctx)
	if err != nil {
		c.t.Fatal(err)
	}
	f, err := bus.ParseFrame(raw)
	if err != nil {
		c.t.Fatal(err)
	}
	return f, c.codes[*f.Codeid]
}

func (c *client) send(sid string, msg bus.Codable) {
	c.t.Helper()
	codeid := slices.Index(c.codes, msg.Code())
	body, _ := json.Marshal(msg)
	raw, _ := (&bus.Frame{Sid: sid, Codeid: &codeid, Msg: body}).Marshal()
	if err := c.con.Send(context.Background(), raw); err != nil {
		c.t.Fatal(err)
	}
}

func (c *client) expect(sid, code string) *bus.Frame {
	c.t.Helper()
	f, got := c.recv()
	if got != code || f.Lsid != sid {
		c.t.Fatalf("expected %s to %s, got %s to %s: %s", code, sid, got, f.Lsid, f.Msg)
	}
	return f
}

func setup(t *testing.T) (*bus.Bus, *client) {
	t.Helper()
	tr := bus.NewPipeTransport()
	b := bus.New()
	if err := b.Init(context.Background(), bus.Cfg{
		Transports: []bus.Transport{tr},
		RegTypes:   []bus.Codable{secretReq{}},
		InpFilters: []bus.InpFilter{RequireToken(TokenAuth)},
	}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Destroy() })

	if err := Register(b, fakeAuth{}); err != nil {
		t.Fatal(err)
	}
	bus.Sub(b, func(ctx context.Context, m secretReq) (any, error) {
		return bus.OkEvt{}, nil
	})

	con, err := tr.Dial()
	if err != nil {
		t.Fatal(err)
	}
	c := &client{t: t, con: con}
	f, _ := c.recv()
	var w bus.WelcomeEvt
	json.Unmarshal(f.Msg, &w)
	c.codes = w.Codes
	return b, c
}

func TestLoginFlow(t *testing.T) {
	b, c := setup(t)

	c.send("s1", secretReq{})
	f := c.expect("s1", "err_evt")
	var e bus.Err
	json.Unmarshal(f.Msg, &e)
	if e.Errcode != bus.ErrCodeForbidden {
		t.Errorf("before login: expected forbidden_err, got %v", &e)
	}

	c.send("s2", LoginReq{Token: base64.StdEncoding.EncodeToString([]byte("read,write"))})
	f = c.expect("s2", "login_evt")
	var evt LoginEvt
	json.Unmarshal(f.Msg, &evt)
	if diff := cmp.Diff([]string{"read", "write"}, evt.Scopes); diff != "" {
		t.Errorf("scopes mismatch (-want +got):\n%s", diff)
	}
	if evt.Subject != "7" {
		t.Errorf("expected subject 7, got %s", evt.Subject)
	}

	tokens, _ := b.ConTokens(b.Consids()[0])
	if diff := cmp.Diff([]string{"auth", "read", "write"}, tokens); diff != "" {
		t.Errorf("connection tokens mismatch (-want +got):\n%s", diff)
	}

	c.send("s3", secretReq{})
	c.expect("s3", "ok_evt")

	c.send("s4", LogoutReq{})
	c.expect("s4", "ok_evt")
	c.send("s5", secretReq{})
	c.expect("s5", "err_evt")
}

func TestLoginRejects(t *testing.T) {
	b, c := setup(t)

	cases := []struct {
		sid, token, want string
	}{
		{"bad-b64", "%%%", bus.ErrCodeVal},
		{"bad-sig", base64.StdEncoding.EncodeToString([]byte("bad")), bus.ErrCodeForbidden},
		{"bad-scope", base64.StdEncoding.EncodeToString([]byte("root")), bus.ErrCodeVal},
	}
	for _, tc := range cases {
		c.send(tc.sid, LoginReq{Token: tc.token})
		f := c.expect(tc.sid, "err_evt")
		var e bus.Err
		json.Unmarshal(f.Msg, &e)
		if e.Errcode != tc.want {
			t.Errorf("%s: expected %s, got %v", tc.sid, tc.want, &e)
		}
	}
	if tokens, _ := b.ConTokens(b.Consids()[0]); len(tokens) != 0 {
		t.Errorf("failed logins must not grant tokens, got %v", tokens)
	}
}

func TestLoginInternal(t *testing.T) {
	b, _ := setup(t)
	_, err := b.Pubr(context.Background(), LoginReq{Token: "cmVhZA=="}, nil)
	if !errors.Is(err, &bus.Err{Errcode: bus.ErrCodeVal}) {
		t.Errorf("login without connection: expected val_err, got %v", err)
	}
}

func TestRequireToken(t *testing.T) {
	filter := RequireToken("write", secretReq{})
	ctxFor := func(consid string, tokens ...string) context.Context {
		return bus.WithDispatchCtx(context.Background(), &bus.DispatchCtx{Consid: consid, Tokens: tokens})
	}

	cases := []struct {
		name string
		ctx  context.Context
		msg  bus.Codable
		pass bool
	}{
		{"internal", context.Background(), LogoutReq{}, true},
		{"no token", ctxFor("c1", "auth"), LogoutReq{}, false},
		{"token", ctxFor("c1", "auth", "write"), LogoutReq{}, true},
		{"login exempt", ctxFor("c1"), LoginReq{}, true},
		{"listed exempt", ctxFor("c1"), secretReq{}, true},
	}
	for _, tc := range cases {
		_, err := filter(tc.ctx, tc.msg)
		var intr *bus.InterruptPipeline
		interrupted := errors.As(err, &intr)
		if interrupted == tc.pass {
			t.Errorf("%s: expected pass=%v, got %v", tc.name, tc.pass, err)
		}
		if interrupted && intr.Result.Err.Errcode != bus.ErrCodeForbidden {
			t.Errorf("%s: expected forbidden_err, got %v", tc.name, intr.Result.Err)
		}
	}
}

func TestScope(t *testing.T) {
	s, err := ParseScope("write, admin")
	if err != nil {
		t.Fatal(err)
	}
	if s != ScopeWrite|ScopeAdmin || s.String() != "write,admin" {
		t.Errorf("unexpected scope %d '%s'", s, s)
	}
	if _, err := ParseScope("read,root"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if Scope(0x80).IsValid() {
		t.Error("unknown bits must be invalid")
	}
}
