package shared

import "context"

// SystemActor identifies mutations performed by the core itself.
const SystemActor = "system"

// Caller identifies who triggered a mutation and from where.
type Caller struct {
	ActorID  string
	SourceIP string
}

// SystemCaller is used for internally initiated changes.
func SystemCaller() Caller {
	return Caller{ActorID: SystemActor}
}

// Actor returns the actor id, defaulting to SystemActor.
func (c Caller) Actor() string {
	if c.ActorID == "" {
		return SystemActor
	}
	return c.ActorID
}

type callerContextKey struct{}

// ContextWithCaller stores the caller in context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the caller from context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok
}
