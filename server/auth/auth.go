// Package auth authorizes bus connections. A connection presents a signed
// token in LoginReq; on success the connection is given the "auth" token
// plus one token per granted scope. RequireToken gates dispatch on them.
package auth

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/tinode/bus/server/bus"
)

// AuthErr is a structure for reporting an error condition.
type AuthErr string

func (e AuthErr) Error() string {
	return string(e)
}

// ErrCode maps authentication failures to bus error codes.
func (e AuthErr) ErrCode() string {
	switch e {
	case ErrMalformed:
		return bus.ErrCodeVal
	case ErrFailed, ErrExpired:
		return bus.ErrCodeForbidden
	}
	return bus.ErrCodeInternal
}

const (
	// ErrInternal means key or other internal failure
	ErrInternal = AuthErr("internal")
	// ErrMalformed means the secret cannot be parsed or otherwise wrong
	ErrMalformed = AuthErr("malformed")
	// ErrFailed means authentication failed (bad signature, revoked serial)
	ErrFailed = AuthErr("failed")
	// ErrExpired means the secret has expired
	ErrExpired = AuthErr("expired")
)

// Scope is a bitmap of permissions granted by a token.
type Scope uint16

const (
	// ScopeRead allows reading shared state.
	ScopeRead Scope = 1 << iota
	// ScopeWrite allows modifying shared state, i.e. taking document locks.
	ScopeWrite
	// ScopeAdmin allows administrative operations.
	ScopeAdmin

	scopeAll = ScopeRead | ScopeWrite | ScopeAdmin
)

var scopeNames = []struct {
	bit  Scope
	name string
}{
	{ScopeRead, "read"},
	{ScopeWrite, "write"},
	{ScopeAdmin, "admin"},
}

// TokenAuth is given to every connection which presented a valid token.
const TokenAuth = "auth"

// Tokens returns connection tokens for the scope bits.
func (s Scope) Tokens() []string {
	var out []string
	for _, sn := range scopeNames {
		if s&sn.bit != 0 {
			out = append(out, sn.name)
		}
	}
	return out
}

// IsValid checks that only known bits are set.
func (s Scope) IsValid() bool {
	return s&^scopeAll == 0
}

func (s Scope) String() string {
	return strings.Join(s.Tokens(), ",")
}

// ParseScope parses a comma separated list of scope names, i.e. "read,write".
func ParseScope(str string) (Scope, error) {
	var s Scope
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		found := false
		for _, sn := range scopeNames {
			if sn.name == part {
				s |= sn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, ErrMalformed
		}
	}
	return s, nil
}

// Rec is the content of a token.
type Rec struct {
	// Authenticated subject.
	Subject uint64
	// Granted permissions.
	Scope Scope
	// Remaining lifetime. Zero means authenticator's default when issuing.
	Lifetime time.Duration
}

// Authenticator validates and issues tokens.
type Authenticator interface {
	// Authenticate checks the token and returns its content.
	Authenticate(token []byte) (*Rec, error)
	// GenSecret issues a token for the record.
	GenSecret(rec *Rec) ([]byte, time.Time, error)
}

// LoginReq presents a base64-encoded token.
type LoginReq struct {
	Token string `json:"token"`
}

func (LoginReq) Code() string { return "login_req" }

// LogoutReq drops all tokens of the connection.
type LogoutReq struct{}

func (LogoutReq) Code() string { return "logout_req" }

// LoginEvt is the reply to a successful login.
type LoginEvt struct {
	Subject string    `json:"subject"`
	Scopes  []string  `json:"scopes,omitempty"`
	Expires time.Time `json:"expires"`
}

func (LoginEvt) Code() string { return "login_evt" }

// Types returns message types of the package for bus registration.
func Types() []bus.Codable {
	return []bus.Codable{LoginReq{}, LogoutReq{}, LoginEvt{}}
}

// Register subscribes login and logout handlers.
func Register(b *bus.Bus, a Authenticator) error {
	if err := b.Register(Types()...); err != nil {
		return err
	}
	if _, err := bus.Sub(b, func(ctx context.Context, req LoginReq) (any, error) {
		return login(ctx, b, a, req)
	}); err != nil {
		return err
	}
	_, err := bus.Sub(b, func(ctx context.Context, req LogoutReq) (any, error) {
		consid := bus.ConsID(ctx)
		if consid == "" {
			return nil, bus.NewErr(bus.ErrCodeVal, "logout requires a connection")
		}
		if err := b.SetConTokens(consid, nil); err != nil {
			return nil, err
		}
		return bus.OkEvt{}, nil
	})
	return err
}

func login(ctx context.Context, b *bus.Bus, a Authenticator, req LoginReq) (any, error) {
	consid := bus.ConsID(ctx)
	if consid == "" {
		return nil, bus.NewErr(bus.ErrCodeVal, "login requires a connection")
	}
	raw, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		return nil, ErrMalformed
	}
	rec, err := a.Authenticate(raw)
	if err != nil {
		return nil, err
	}

	scopes := rec.Scope.Tokens()
	if err := b.SetConTokens(consid, append([]string{TokenAuth}, scopes...)); err != nil {
		return nil, err
	}
	return LoginEvt{
		Subject: strconv.FormatUint(rec.Subject, 10),
		Scopes:  scopes,
		Expires: time.Now().Add(rec.Lifetime).UTC().Round(time.Second),
	}, nil
}

// RequireToken creates an input filter which rejects messages from
// connections without the token. Login requests and the listed message
// types are always let through, as are bus-internal publishes.
func RequireToken(token string, exempt ...bus.Codable) bus.InpFilter {
	skip := map[string]bool{(LoginReq{}).Code(): true}
	for _, e := range exempt {
		skip[e.Code()] = true
	}
	return func(ctx context.Context, msg bus.Codable) (bus.Codable, error) {
		if bus.ConsID(ctx) == "" || skip[msg.Code()] || bus.HasToken(ctx, token) {
			return nil, nil
		}
		return nil, bus.Interrupt(bus.Fail(bus.NewErr(bus.ErrCodeForbidden, "'"+token+"' required")))
	}
}
