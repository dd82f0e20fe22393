package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// RpcFunc handles an RPC call with its raw argument.
type RpcFunc func(ctx context.Context, data json.RawMessage) (any, error)

type rpcBinding struct {
	key string
	fn  RpcFunc
}

// RegRpcRaw binds fn to key in the RPC namespace.
func (b *Bus) RegRpcRaw(key string, fn RpcFunc) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	if !b.inited {
		return ErrNotInitialized
	}
	if _, ok := b.rpcs[key]; ok {
		return fmt.Errorf("%w: '%s'", ErrRpcKeyExists, key)
	}
	b.rpcs[key] = &rpcBinding{key: key, fn: fn}
	return nil
}

// RegRpc binds fn to key. The call argument is decoded from JSON into A;
// an absent argument leaves A zero.
func RegRpc[A any](b *Bus, key string, fn func(ctx context.Context, arg A) (any, error)) error {
	return b.RegRpcRaw(key, func(ctx context.Context, data json.RawMessage) (any, error) {
		var arg A
		if len(data) > 0 {
			if err := json.Unmarshal(data, &arg); err != nil {
				return nil, NewErr(ErrCodeVal, "invalid argument for '"+key+"': "+err.Error())
			}
		}
		return fn(ctx, arg)
	})
}

// Call invokes the RPC bound to key and returns its raw result.
func (b *Bus) Call(ctx context.Context, key string, arg any, opts *PubOpts) (json.RawMessage, error) {
	req := RpcSend{Key: key}
	if arg != nil {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		req.Data = data
	}

	out, err := b.Pubr(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	resp, ok := out.(RpcRecv)
	if !ok {
		return nil, NewErr(ErrCodeVal, fmt.Sprintf("unexpected reply '%s' to rpc", out.Code()))
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Val, nil
}

func (b *Bus) callRpc(ctx context.Context, m *Bmsg, req RpcSend) {
	b.lock.RLock()
	var binding *rpcBinding
	if b.rpcs != nil {
		binding = b.rpcs[req.Key]
	}
	st := b.stats
	b.lock.RUnlock()

	if binding == nil {
		b.reply(ctx, m, RpcRecv{Err: NewErr(ErrCodeNotFound, "no rpc '"+req.Key+"'")})
		return
	}

	out, err := safeCall(func() (any, error) { return binding.fn(ctx, req.Data) })
	if err != nil {
		st.handlerErrors.Inc()
		e := ErrFromError(err)
		b.reply(ctx, m, RpcRecv{Err: e})
		return
	}

	switch v := out.(type) {
	case Result:
		b.reply(ctx, m, rpcRecvFromResult(v))
	case *Err:
		b.reply(ctx, m, RpcRecv{Err: v})
	default:
		b.reply(ctx, m, rpcRecvFromValue(v))
	}
}

func rpcRecvFromResult(res Result) RpcRecv {
	if res.Err != nil {
		return RpcRecv{Err: res.Err}
	}
	if res.Val == nil {
		return RpcRecv{}
	}
	return rpcRecvFromValue(res.Val)
}

func rpcRecvFromValue(v any) RpcRecv {
	switch val := v.(type) {
	case nil:
		return RpcRecv{}
	case json.RawMessage:
		return RpcRecv{Val: val}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return RpcRecv{Err: NewErr(ErrCodeInternal, "failed to encode rpc result: "+err.Error())}
	}
	return RpcRecv{Val: data}
}
