package bus

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Keys of the payload object with these prefixes never leave the process.
const (
	internalPrefix = "internal__"
	skipPrefix     = "skip__"
)

// Bmsg is the envelope of every message travelling through the bus.
type Bmsg struct {
	// Unique id of this message.
	Sid string
	// Sid of the message this one is a reply to.
	Lsid string
	// Code of the payload.
	Code string
	// Payload is an *Err.
	IsErr bool
	// Payload.
	Msg Codable

	// Internal fields, never serialized.

	// Connection which produced the message, empty for bus-internal publishes.
	OriginConsid string
	// Explicit connections to forward the message to.
	TargetConsids []string
}

// NewBmsg wraps msg into an envelope with a fresh sid.
func NewBmsg(msg Codable) *Bmsg {
	m := &Bmsg{Sid: NewSid(), Msg: msg}
	if msg != nil {
		m.Code = msg.Code()
		_, m.IsErr = msg.(*Err)
	}
	return m
}

// Frame is the wire form of an envelope.
type Frame struct {
	Sid    string          `json:"sid"`
	Lsid   string          `json:"lsid,omitempty"`
	Codeid *int            `json:"codeid,omitempty"`
	Msg    json.RawMessage `json:"msg,omitempty"`
}

// Marshal encodes the frame as JSON.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame decodes raw JSON into a frame. Malformed input is reported as
// *DecodeError carrying whatever sid could be salvaged.
func ParseFrame(raw []byte) (*Frame, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &DecodeError{Codeid: -1, Reason: "malformed frame"}
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, &DecodeError{Codeid: -1, Reason: "frame is not an object"}
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &DecodeError{
			Sid:    parsed.Get("sid").String(),
			Codeid: -1,
			Reason: "malformed frame",
			Err:    err,
		}
	}
	return &f, nil
}

// isEmptyPayload reports payloads which are sent as absent: nil and
// zero-length collections.
func isEmptyPayload(msg Codable) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return v.Len() == 0
	}
	return false
}

// escapePathKey escapes characters with special meaning in sjson paths.
func escapePathKey(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// stripBody removes null and internal keys of a JSON object body and
// collapses empty bodies to nil.
func stripBody(body []byte) ([]byte, error) {
	parsed := gjson.ParseBytes(body)
	switch {
	case parsed.Type == gjson.Null:
		return nil, nil
	case parsed.IsArray():
		if len(parsed.Array()) == 0 {
			return nil, nil
		}
		return body, nil
	case !parsed.IsObject():
		return body, nil
	}

	var drop []string
	parsed.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if value.Type == gjson.Null || strings.HasPrefix(k, internalPrefix) || strings.HasPrefix(k, skipPrefix) {
			drop = append(drop, k)
		}
		return true
	})
	var err error
	for _, k := range drop {
		if body, err = sjson.DeleteBytes(body, escapePathKey(k)); err != nil {
			return nil, err
		}
	}
	if bytes.Equal(bytes.TrimSpace(body), []byte("{}")) {
		return nil, nil
	}
	return body, nil
}

// SerializeToNet converts an envelope into its wire form.
func (r *Registry) SerializeToNet(m *Bmsg) (*Frame, error) {
	if m.Sid == "" {
		return nil, ErrMissingSid
	}
	code := m.Code
	if code == "" && m.Msg != nil {
		code = m.Msg.Code()
	}
	rt, err := r.ByCode(code)
	if err != nil {
		return nil, err
	}
	codeid := rt.Codeid

	f := &Frame{Sid: m.Sid, Lsid: m.Lsid, Codeid: &codeid}
	if isEmptyPayload(m.Msg) {
		return f, nil
	}

	// *Err marshals to {code, msg}: nothing else of the error is exposed.
	body, err := json.Marshal(m.Msg)
	if err != nil {
		return nil, err
	}
	if body, err = stripBody(body); err != nil {
		return nil, err
	}
	f.Msg = body
	return f, nil
}

// DeserializeFromNet converts a wire frame into an envelope.
func (r *Registry) DeserializeFromNet(f *Frame) (*Bmsg, error) {
	if f.Codeid == nil {
		return nil, &DecodeError{Sid: f.Sid, Codeid: -1, Reason: "missing codeid"}
	}
	rt, err := r.ByCodeid(*f.Codeid)
	if err != nil {
		return nil, &DecodeError{Sid: f.Sid, Codeid: *f.Codeid, Reason: "unregistered codeid", Err: err}
	}

	var body json.RawMessage
	if len(f.Msg) > 0 && !bytes.Equal(bytes.TrimSpace(f.Msg), []byte("null")) {
		body = f.Msg
	}
	msg, err := rt.construct(body)
	if err != nil {
		return nil, &DecodeError{Sid: f.Sid, Codeid: *f.Codeid, Reason: "invalid body for " + rt.Code, Err: err}
	}

	m := &Bmsg{Sid: f.Sid, Lsid: f.Lsid, Code: rt.Code, Msg: msg}
	if m.Sid == "" {
		m.Sid = NewSid()
	}
	_, m.IsErr = msg.(*Err)
	return m, nil
}
