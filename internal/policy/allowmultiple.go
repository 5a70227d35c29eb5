package policy

import "context"

// Handler is one entry in an allow_multiple event's handler list.
// Returning (zero, false, nil) means "skipped"; the chain continues.
type Handler[T any] func(ctx context.Context) (T, bool, error)

// Dispatch implements the allow_multiple semantics from the design notes:
// invoke the handler list in order; the first handler that returns
// ok=true terminates the chain and supplies the result; handlers that
// return ok=false are skipped. If every handler is skipped, ok is false
// in the returned result.
func Dispatch[T any](ctx context.Context, handlers []Handler[T]) (result T, ok bool, err error) {
	for _, h := range handlers {
		v, hit, herr := h(ctx)
		if herr != nil {
			return result, false, herr
		}
		if hit {
			return v, true, nil
		}
	}
	return result, false, nil
}

// Registration describes how an event may be registered. ctor events
// (one-shot constructors, e.g. building a new egress path) forbid
// AllowMultiple: only a single handler may ever be registered for them.
type Registration struct {
	Event        string
	AllowMultiple bool
	IsCtor       bool
}

// Validate enforces "ctor events must forbid allow_multiple".
func (r Registration) Validate() error {
	if r.IsCtor && r.AllowMultiple {
		return errCtorAllowMultiple(r.Event)
	}
	return nil
}

type ctorAllowMultipleError string

func (e ctorAllowMultipleError) Error() string {
	return "policy: ctor event " + string(e) + " cannot allow multiple handlers"
}

func errCtorAllowMultiple(event string) error { return ctorAllowMultipleError(event) }
