// Package token implements authentication by HMAC-signed security token.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/tinode/bus/server/auth"
)

// Authenticator validates and issues tokens signed with a shared key.
type Authenticator struct {
	hmacSalt     []byte
	lifetime     time.Duration
	serialNumber int
}

// tokenLayout defines positioning of various bytes in token.
// [8:Subject][4:expires][2:scope][2:serial-number][32:signature] = 48 bytes
type tokenLayout struct {
	// Subject ID.
	Subject uint64
	// Token expiration time.
	Expires uint32
	// Granted scope bits.
	Scope uint16
	// Serial number - to invalidate all tokens if needed.
	SerialNumber uint16
}

// Config of the token authenticator.
type Config struct {
	// Key for signing tokens
	Key []byte `json:"key"`
	// Serial number, to invalidate all issued tokens at once.
	SerialNum int `json:"serial_num"`
	// Token expiration time in seconds
	ExpireIn int `json:"expire_in"`
}

// New parses the config and creates an authenticator.
func New(jsonconf json.RawMessage) (*Authenticator, error) {
	var config Config
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return nil, errors.New("auth_token: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}
	return NewWithConfig(config)
}

// NewWithConfig creates an authenticator from a parsed config.
func NewWithConfig(config Config) (*Authenticator, error) {
	if len(config.Key) < sha256.Size {
		return nil, errors.New("auth_token: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return nil, errors.New("auth_token: invalid expiration value")
	}
	if config.SerialNum < 0 || config.SerialNum > 0xFFFF {
		return nil, errors.New("auth_token: serial number out of range")
	}

	return &Authenticator{
		hmacSalt:     config.Key,
		lifetime:     time.Duration(config.ExpireIn) * time.Second,
		serialNumber: config.SerialNum,
	}, nil
}

// Authenticate checks validity of provided token.
func (ta *Authenticator) Authenticate(token []byte) (*auth.Rec, error) {
	var tl tokenLayout
	dataSize := binary.Size(&tl)
	if len(token) < dataSize+sha256.Size {
		// Token is too short
		return nil, auth.ErrMalformed
	}

	buf := bytes.NewBuffer(token)
	err := binary.Read(buf, binary.LittleEndian, &tl)
	if err != nil {
		return nil, auth.ErrMalformed
	}

	hbuf := new(bytes.Buffer)
	binary.Write(hbuf, binary.LittleEndian, &tl)

	// Check signature.
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(hbuf.Bytes())
	if !hmac.Equal(token[dataSize:dataSize+sha256.Size], hasher.Sum(nil)) {
		return nil, auth.ErrFailed
	}

	// Check scope for validity.
	if !auth.Scope(tl.Scope).IsValid() {
		return nil, auth.ErrMalformed
	}

	// Check serial number.
	if int(tl.SerialNumber) != ta.serialNumber {
		return nil, auth.ErrFailed
	}

	// Check token expiration time.
	expires := time.Unix(int64(tl.Expires), 0).UTC()
	if expires.Before(time.Now().Add(1 * time.Second)) {
		return nil, auth.ErrExpired
	}

	return &auth.Rec{
		Subject:  tl.Subject,
		Scope:    auth.Scope(tl.Scope),
		Lifetime: time.Until(expires),
	}, nil
}

// GenSecret generates a new token.
func (ta *Authenticator) GenSecret(rec *auth.Rec) ([]byte, time.Time, error) {
	if rec.Lifetime == 0 {
		rec.Lifetime = ta.lifetime
	} else if rec.Lifetime < 0 {
		return nil, time.Time{}, auth.ErrExpired
	}
	if !rec.Scope.IsValid() {
		return nil, time.Time{}, auth.ErrMalformed
	}
	expires := time.Now().Add(rec.Lifetime).UTC().Round(time.Millisecond)

	tl := tokenLayout{
		Subject:      rec.Subject,
		Expires:      uint32(expires.Unix()),
		Scope:        uint16(rec.Scope),
		SerialNumber: uint16(ta.serialNumber),
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &tl)
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(buf.Bytes())
	binary.Write(buf, binary.LittleEndian, hasher.Sum(nil))

	return buf.Bytes(), expires, nil
}
