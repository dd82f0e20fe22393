package bus

import (
	"context"
	"errors"

	"github.com/tinode/bus/server/logs"
)

// Condition decides whether a message may reach its handlers. A condition
// which cannot interpret the message should return ErrNotApplicable: any
// error lets the message through with a warning.
type Condition func(ctx context.Context, msg Codable) (bool, error)

// InpFilter transforms a message before dispatch. Returning the error
// produced by Interrupt stops the pipeline and sends the wrapped result
// back as the reply. Any other error is treated as a handler failure.
type InpFilter func(ctx context.Context, msg Codable) (Codable, error)

// Result is an explicit handler outcome: either a reply payload or an Err.
type Result struct {
	Val Codable
	Err *Err
}

// Ok creates a successful result. A nil val is answered with OkEvt.
func Ok(val Codable) Result {
	if val == nil {
		val = OkEvt{}
	}
	return Result{Val: val}
}

// Fail creates a failed result.
func Fail(err *Err) Result {
	return Result{Err: err}
}

// Payload returns the message to send for this result.
func (r Result) Payload() Codable {
	if r.Err != nil {
		return r.Err
	}
	if r.Val == nil {
		return OkEvt{}
	}
	return r.Val
}

// InterruptPipeline is the error returned by an InpFilter to short-circuit
// dispatch.
type InterruptPipeline struct {
	Result Result
}

func (i *InterruptPipeline) Error() string {
	if i.Result.Err != nil {
		return "bus: pipeline interrupted: " + i.Result.Err.Error()
	}
	return "bus: pipeline interrupted"
}

// Interrupt wraps a result into an error which stops the filter pipeline.
func Interrupt(res Result) error {
	return &InterruptPipeline{Result: res}
}

// pipeline holds global conditions and input filters.
type pipeline struct {
	conditions []Condition
	filters    []InpFilter
}

// check runs all conditions. It returns false if any condition rejects the message.
func (p *pipeline) check(ctx context.Context, msg Codable) bool {
	for _, cond := range p.conditions {
		ok, err := cond(ctx, msg)
		if err != nil {
			logs.Warn.Printf("bus: condition skipped for '%s': %v", msg.Code(), err)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

// filter runs input filters in declaration order. A non-nil *InterruptPipeline
// means dispatch must stop and its result is the reply.
func (p *pipeline) filter(ctx context.Context, msg Codable) (Codable, *InterruptPipeline, error) {
	for _, f := range p.filters {
		out, err := f(ctx, msg)
		if err != nil {
			var intr *InterruptPipeline
			if errors.As(err, &intr) {
				return nil, intr, nil
			}
			return nil, nil, err
		}
		if out != nil {
			msg = out
		}
	}
	return msg, nil, nil
}
