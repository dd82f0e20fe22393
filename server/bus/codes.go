package bus

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Codable is implemented by every message type which travels over the bus.
// The code must be stable: it identifies the type to the peers.
type Codable interface {
	Code() string
}

// Deserializer may be implemented by a Codable to take over construction
// of its own instances from the raw wire body. The body is nil when the
// frame carried no payload.
type Deserializer interface {
	Deserialize(body json.RawMessage) (Codable, error)
}

// RegisteredType is one entry of the code table.
type RegisteredType struct {
	Type   reflect.Type
	Code   string
	Codeid int
}

// Registry maps message types to codes and compact codeids. Codeids are
// assigned once, in registration order, and never reused.
type Registry struct {
	lock    sync.RWMutex
	entries []*RegisteredType
	byType  map[reflect.Type]*RegisteredType
	byCode  map[string]*RegisteredType
}

// builtins are registered first in every registry. Peers rely on welcome
// being codeid 0 and ok being codeid 1.
var builtins = []Codable{
	WelcomeEvt{},
	OkEvt{},
	(*Err)(nil),
	RpcSend{},
	RpcRecv{},
}

// NewRegistry creates a registry pre-populated with the built-in codes.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[reflect.Type]*RegisteredType),
		byCode: make(map[string]*RegisteredType),
	}
	for _, b := range builtins {
		if _, err := r.Register(b); err != nil {
			// Built-ins are static. Failure here is a programming error.
			panic(err)
		}
	}
	return r
}

// codeOf returns the code of the type of v without dereferencing nil pointers.
func codeOf(t reflect.Type) (code string, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, err = "", ErrNotCodable
		}
	}()

	var inst reflect.Value
	if t.Kind() == reflect.Pointer {
		inst = reflect.New(t.Elem())
	} else {
		inst = reflect.New(t).Elem()
	}
	c, ok := inst.Interface().(Codable)
	if !ok {
		return "", ErrNotCodable
	}
	return c.Code(), nil
}

// Register adds the type of v to the registry and returns its codeid.
// Registering an already known type returns the existing codeid.
func (r *Registry) Register(v Codable) (int, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return -1, ErrNotCodable
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if rt, ok := r.byType[t]; ok {
		return rt.Codeid, nil
	}

	code, err := codeOf(t)
	if err != nil {
		return -1, err
	}
	if code == "" {
		return -1, ErrNotCodable
	}
	if _, ok := r.byCode[code]; ok {
		return -1, ErrCodeConflict
	}

	rt := &RegisteredType{Type: t, Code: code, Codeid: len(r.entries)}
	r.entries = append(r.entries, rt)
	r.byType[t] = rt
	r.byCode[code] = rt
	return rt.Codeid, nil
}

// ByType finds the registered entry for the type of v.
func (r *Registry) ByType(v Codable) (*RegisteredType, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if rt, ok := r.byType[reflect.TypeOf(v)]; ok {
		return rt, nil
	}
	return nil, ErrUnknownCode
}

// ByCode finds the registered entry for the code.
func (r *Registry) ByCode(code string) (*RegisteredType, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if rt, ok := r.byCode[code]; ok {
		return rt, nil
	}
	return nil, ErrUnknownCode
}

// ByCodeid finds the registered entry for the codeid.
func (r *Registry) ByCodeid(codeid int) (*RegisteredType, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if codeid < 0 || codeid >= len(r.entries) {
		return nil, ErrUnknownCode
	}
	return r.entries[codeid], nil
}

// Codes returns all registered codes in codeid order.
func (r *Registry) Codes() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	codes := make([]string, len(r.entries))
	for i, rt := range r.entries {
		codes[i] = rt.Code
	}
	return codes
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.entries)
}

// construct builds an instance of rt from the wire body.
func (rt *RegisteredType) construct(body json.RawMessage) (Codable, error) {
	t := rt.Type

	// Custom deserializer first.
	var proto reflect.Value
	if t.Kind() == reflect.Pointer {
		proto = reflect.New(t.Elem())
	} else {
		proto = reflect.New(t)
	}
	if d, ok := proto.Interface().(Deserializer); ok {
		return d.Deserialize(body)
	}

	// Records and plain values are both filled from JSON. A record accepts an
	// absent body and stays zero; a plain value is decoded as a whole.
	if len(body) > 0 {
		if err := json.Unmarshal(body, proto.Interface()); err != nil {
			return nil, err
		}
	}
	if t.Kind() == reflect.Pointer {
		return proto.Interface().(Codable), nil
	}
	return proto.Elem().Interface().(Codable), nil
}
