package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Standard error codes carried by ErrEvt replies.
const (
	ErrCodeVal       = "val_err"
	ErrCodeNotFound  = "not_found_err"
	ErrCodeForbidden = "forbidden_err"
	ErrCodeDecode    = "decode_err"
	ErrCodeInternal  = "internal_err"
	ErrCodeLocked    = "locked_err"
	ErrCodeTimeout   = "timeout_err"
)

// Setup-time errors. These are fatal and should abort startup.
var (
	// ErrAlreadyInitialized is returned by Init on a bus which has not been destroyed.
	ErrAlreadyInitialized = errors.New("bus: already initialized")
	// ErrNotInitialized is returned by operations which require Init.
	ErrNotInitialized = errors.New("bus: not initialized")
	// ErrNotCodable is returned when registering a nil value or a type with an empty code.
	ErrNotCodable = errors.New("bus: type does not declare a code")
	// ErrCodeConflict is returned when two distinct types claim the same code.
	ErrCodeConflict = errors.New("bus: code is already registered by another type")
	// ErrRpcKeyExists is returned when the RPC key is already bound.
	ErrRpcKeyExists = errors.New("bus: rpc key already registered")
)

// Runtime errors.
var (
	// ErrUnknownCode is returned by registry lookups.
	ErrUnknownCode = errors.New("bus: code not found")
	// ErrMissingSid is returned when an envelope without sid is serialized.
	ErrMissingSid = errors.New("bus: envelope has no sid")
	// ErrTimeout is returned by Pubr when no reply arrives in time.
	ErrTimeout = errors.New("bus: pubr timeout")
	// ErrConClosed is returned when sending to a closed or unknown connection.
	ErrConClosed = errors.New("bus: connection closed")
	// ErrNotApplicable is returned by a Condition which cannot interpret a message.
	ErrNotApplicable = errors.New("bus: condition not applicable")
	// ErrDestroyed is delivered to pending waiters when the bus is destroyed.
	ErrDestroyed = errors.New("bus: destroyed")
)

// Err is an error reported back to a peer. It is itself a message: the
// built-in "err_evt".
type Err struct {
	// Error code, i.e. "val_err".
	Errcode string `json:"code"`
	// Human readable message.
	Msg string `json:"msg,omitempty"`
	// Qualified Go type name of the error which caused this one. Bus-side only.
	Name string `json:"-"`
}

// NewErr creates an Err with the given code and message.
func NewErr(code, msg string) *Err {
	return &Err{Errcode: code, Msg: msg}
}

// Code implements Codable.
func (*Err) Code() string { return "err_evt" }

func (e *Err) Error() string {
	if e.Msg == "" {
		return e.Errcode
	}
	return e.Errcode + ": " + e.Msg
}

// Is reports errors with equal error codes as matching.
func (e *Err) Is(target error) bool {
	if t, ok := target.(*Err); ok {
		return t.Errcode == e.Errcode
	}
	return false
}

// ErrCoder is implemented by errors which choose their own wire error code.
type ErrCoder interface {
	ErrCode() string
}

// ErrFromError converts any error into an Err suitable for the wire.
func ErrFromError(err error) *Err {
	if err == nil {
		return nil
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}

	out := &Err{Errcode: ErrCodeInternal, Msg: err.Error(), Name: typeName(err)}
	var coder ErrCoder
	if errors.As(err, &coder) {
		out.Errcode = coder.ErrCode()
	} else if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		out.Errcode = ErrCodeTimeout
	}
	return out
}

// DecodeError is returned when an inbound frame cannot be decoded.
type DecodeError struct {
	// Sid of the offending frame, if it could be read.
	Sid string
	// Codeid of the offending frame, or -1.
	Codeid int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	s := "bus: decode: " + e.Reason
	if e.Codeid >= 0 {
		s += fmt.Sprintf(" (codeid=%d)", e.Codeid)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrCode makes decode errors travel as decode_err.
func (e *DecodeError) ErrCode() string {
	return ErrCodeDecode
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	prefix := ""
	for t.Kind() == reflect.Pointer {
		prefix += "*"
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return prefix + t.String()
	}
	return prefix + t.PkgPath() + "." + t.Name()
}
