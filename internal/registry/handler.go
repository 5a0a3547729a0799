package registry

import (
	"context"

	"github.com/tenzoki/swarmbus/message"
)

// Result is what a handler hands back to the delivery engine: a payload to
// fold into a synthesized RESPONSE (REQUEST handlers only) and any error the
// handler raised.
type Result struct {
	Payload map[string]interface{}
	Err     error
}

// Handler is implemented by both handler variants an agent can register.
// The delivery engine calls invoke uniformly for either kind rather than
// probing which one it got at call time.
type Handler interface {
	invoke(ctx context.Context, msg *message.Message) Result
}

// HandlerFunc adapts a plain synchronous function to Handler. The call
// blocks the worker goroutine for its duration.
type HandlerFunc func(ctx context.Context, msg *message.Message) (map[string]interface{}, error)

func (f HandlerFunc) invoke(ctx context.Context, msg *message.Message) Result {
	payload, err := f(ctx, msg)
	return Result{Payload: payload, Err: err}
}

// AsyncHandlerFunc adapts a function that hands back a future-like channel
// of Result, for handlers whose work completes elsewhere. The delivery
// engine awaits the channel, respecting ctx cancellation.
type AsyncHandlerFunc func(ctx context.Context, msg *message.Message) <-chan Result

func (f AsyncHandlerFunc) invoke(ctx context.Context, msg *message.Message) Result {
	select {
	case res := <-f(ctx, msg):
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Invoke calls h uniformly regardless of which variant it is.
func Invoke(ctx context.Context, h Handler, msg *message.Message) Result {
	return h.invoke(ctx, msg)
}
