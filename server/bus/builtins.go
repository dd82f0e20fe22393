package bus

import "encoding/json"

// WelcomeEvt is the first frame sent to every new connection. It lists all
// registered codes in codeid order.
type WelcomeEvt struct {
	Codes []string `json:"codes"`
}

func (WelcomeEvt) Code() string { return "welcome_evt" }

// OkEvt is a generic positive acknowledgement.
type OkEvt struct{}

func (OkEvt) Code() string { return "ok_evt" }

// RpcSend invokes the RPC handler bound to Key.
type RpcSend struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (RpcSend) Code() string { return "rpc_send" }

// RpcRecv is the answer to RpcSend. Exactly one of Val and Err is set.
type RpcRecv struct {
	Val json.RawMessage `json:"val,omitempty"`
	Err *Err            `json:"err,omitempty"`
}

func (RpcRecv) Code() string { return "rpc_recv" }
