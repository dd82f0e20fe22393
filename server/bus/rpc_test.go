package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sumArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestRpcCall(t *testing.T) {
	b, _ := newTestBus(t, Cfg{})
	if err := RegRpc(b, "sum", func(ctx context.Context, arg sumArgs) (any, error) {
		return arg.A + arg.B, nil
	}); err != nil {
		t.Fatal(err)
	}

	val, err := b.Call(context.Background(), "sum", sumArgs{A: 2, B: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "5" {
		t.Errorf("expected 5, got %s", val)
	}

	// Missing argument leaves it zero.
	val, err = b.Call(context.Background(), "sum", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(val) != "0" {
		t.Errorf("expected 0, got %s", val)
	}
}

func TestRpcErrors(t *testing.T) {
	b, _ := newTestBus(t, Cfg{})
	RegRpc(b, "fail", func(ctx context.Context, arg string) (any, error) {
		return nil, NewErr(ErrCodeLocked, arg)
	})
	RegRpc(b, "result", func(ctx context.Context, arg string) (any, error) {
		return Fail(NewErr(ErrCodeVal, "as result")), nil
	})

	if err := RegRpc(b, "fail", func(ctx context.Context, arg any) (any, error) { return nil, nil }); !errors.Is(err, ErrRpcKeyExists) {
		t.Errorf("duplicate key: expected ErrRpcKeyExists, got %v", err)
	}

	cases := []struct {
		key  string
		arg  any
		want string
	}{
		{"fail", "doc-1", ErrCodeLocked},
		{"result", "", ErrCodeVal},
		{"missing", nil, ErrCodeNotFound},
		// Argument of a wrong type.
		{"fail", 42, ErrCodeVal},
	}
	for _, tc := range cases {
		_, err := b.Call(context.Background(), tc.key, tc.arg, nil)
		var e *Err
		if !errors.As(err, &e) || e.Errcode != tc.want {
			t.Errorf("%s(%v): expected %s, got %v", tc.key, tc.arg, tc.want, err)
		}
	}
}

func TestRpcFromPeer(t *testing.T) {
	b, tr := newTestBus(t, Cfg{})
	RegRpc(b, "echo", func(ctx context.Context, arg map[string]any) (any, error) {
		arg["consid"] = ConsID(ctx)
		return arg, nil
	})
	p := dialPeer(t, tr)

	p.send("rpc-1", "", RpcSend{Key: "echo", Data: json.RawMessage(`{"x":1}`)})
	f := p.recvCode("rpc_recv")
	if f.Lsid != "rpc-1" {
		t.Errorf("expected lsid rpc-1, got %s", f.Lsid)
	}
	var resp RpcRecv
	if err := json.Unmarshal(f.Msg, &resp); err != nil {
		t.Fatal(err)
	}
	var val map[string]any
	if err := json.Unmarshal(resp.Val, &val); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"x": float64(1), "consid": b.Consids()[0]}
	if diff := cmp.Diff(want, val); diff != "" {
		t.Errorf("rpc result mismatch (-want +got):\n%s", diff)
	}

	p.send("rpc-2", "", RpcSend{Key: "nope"})
	f = p.recvCode("rpc_recv")
	resp = RpcRecv{}
	json.Unmarshal(f.Msg, &resp)
	if resp.Err == nil || resp.Err.Errcode != ErrCodeNotFound {
		t.Errorf("unknown key: expected not_found_err, got %+v", resp)
	}
}

func TestRpcInterrupt(t *testing.T) {
	deny := func(ctx context.Context, msg Codable) (Codable, error) {
		if req, ok := msg.(RpcSend); ok && req.Key == "secret" {
			return nil, Interrupt(Fail(NewErr(ErrCodeForbidden, "")))
		}
		return nil, nil
	}
	b, _ := newTestBus(t, Cfg{InpFilters: []InpFilter{deny}})
	called := false
	RegRpc(b, "secret", func(ctx context.Context, arg any) (any, error) {
		called = true
		return "data", nil
	})

	_, err := b.Call(context.Background(), "secret", nil, nil)
	if !errors.Is(err, &Err{Errcode: ErrCodeForbidden}) {
		t.Errorf("expected forbidden_err, got %v", err)
	}
	if called {
		t.Error("rpc handler must not run after interrupt")
	}
}
