package token

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tinode/bus/server/auth"
)

func newTestAuth(t *testing.T, serial int) *Authenticator {
	t.Helper()
	a, err := NewWithConfig(Config{
		Key:       bytes.Repeat([]byte{0x5a}, sha256.Size),
		SerialNum: serial,
		ExpireIn:  3600,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []string{
		`{"key":"c2hvcnQ=","expire_in":10}`,
		`{"key":"` + "WlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlo=" + `","expire_in":0}`,
		`not json`,
	}
	for _, conf := range cases {
		if _, err := New([]byte(conf)); err == nil {
			t.Errorf("expected error for %s", conf)
		}
	}
	if _, err := New([]byte(`{"key":"WlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlpaWlo=","expire_in":60}`)); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestGenAuthenticate(t *testing.T) {
	a := newTestAuth(t, 1)

	tok, expires, err := a.GenSecret(&auth.Rec{Subject: 12345, Scope: auth.ScopeRead | auth.ScopeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if len(tok) != 48 {
		t.Errorf("expected 48 byte token, got %d", len(tok))
	}
	if d := time.Until(expires); d < 59*time.Minute || d > time.Hour {
		t.Errorf("default lifetime not applied, expires in %s", d)
	}

	rec, err := a.Authenticate(tok)
	if err != nil {
		t.Fatal(err)
	}
	want := &auth.Rec{Subject: 12345, Scope: auth.ScopeRead | auth.ScopeWrite}
	if diff := cmp.Diff(want, rec, cmpopts.IgnoreFields(auth.Rec{}, "Lifetime")); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	a := newTestAuth(t, 1)
	tok, _, _ := a.GenSecret(&auth.Rec{Subject: 1, Scope: auth.ScopeRead})

	tampered := bytes.Clone(tok)
	tampered[0] ^= 0xFF

	other, _, _ := newTestAuth(t, 2).GenSecret(&auth.Rec{Subject: 1})
	short, _, _ := a.GenSecret(&auth.Rec{Subject: 1, Lifetime: 500 * time.Millisecond})

	cases := []struct {
		name  string
		token []byte
		want  error
	}{
		{"too short", tok[:20], auth.ErrMalformed},
		{"tampered", tampered, auth.ErrFailed},
		{"other serial", other, auth.ErrFailed},
		{"expired", short, auth.ErrExpired},
	}
	for _, tc := range cases {
		if _, err := a.Authenticate(tc.token); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if _, _, err := a.GenSecret(&auth.Rec{Lifetime: -time.Second}); !errors.Is(err, auth.ErrExpired) {
		t.Errorf("negative lifetime: expected ErrExpired, got %v", err)
	}
	if _, _, err := a.GenSecret(&auth.Rec{Scope: 0x100}); !errors.Is(err, auth.ErrMalformed) {
		t.Errorf("unknown scope: expected ErrMalformed, got %v", err)
	}
}
