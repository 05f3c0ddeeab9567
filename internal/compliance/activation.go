package compliance

import "context"

type activationKey struct{}

// activation is the per-call compliance state. It lives in the context chain of one
// entry point and nowhere else.
type activation struct {
	id      FullAuthorizationID
	set     bool
	checked map[Fingerprint]struct{}
	closed  bool
}

// BeginCall opens a fresh activation scope for an external entry point. The returned
// end func clears it and must be deferred by the caller.
func BeginCall(ctx context.Context) (context.Context, func()) {
	act := &activation{checked: make(map[Fingerprint]struct{})}
	return context.WithValue(ctx, activationKey{}, act), func() {
		act.id = FullAuthorizationID{}
		act.set = false
		act.checked = nil
		act.closed = true
	}
}

// Isolate returns a context in which no activation is visible. Code that runs during an
// external movement leg gets this context so it cannot read the caller's activation.
func Isolate(ctx context.Context) context.Context {
	return context.WithValue(ctx, activationKey{}, (*activation)(nil))
}

// Activated reports whether a compliance check succeeded earlier in the current call.
func Activated(ctx context.Context) bool {
	act := current(ctx)
	return act != nil && act.set
}

// AuthorizationID returns the full authorization id recorded in the current call.
func AuthorizationID(ctx context.Context) (FullAuthorizationID, bool) {
	act := current(ctx)
	if act == nil || !act.set {
		return FullAuthorizationID{}, false
	}
	return act.id, true
}

func current(ctx context.Context) *activation {
	act, _ := ctx.Value(activationKey{}).(*activation)
	if act == nil || act.closed {
		return nil
	}
	return act
}
