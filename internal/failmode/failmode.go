// Package failmode declares, per operation, what happens when a backing
// dependency cannot answer. Call sites consult it instead of deciding
// locally.
package failmode

// Mode is the behaviour on dependency failure.
type Mode int

const (
	// Closed denies the request.
	Closed Mode = iota
	// Open lets the request through.
	Open
)

func (m Mode) String() string {
	if m == Open {
		return "fail-open"
	}
	return "fail-closed"
}

// Operation names a guarded operation.
type Operation string

const (
	RateLimit   Operation = "ratelimit.check"
	TokenVerify Operation = "auth.verify"
	TokenRotate Operation = "auth.refresh"
	Authorize   Operation = "authz.authorize"
)

var declared = map[Operation]Mode{
	RateLimit:   Open,
	TokenVerify: Closed,
	TokenRotate: Closed,
	Authorize:   Closed,
}

// For returns the declared mode; unknown operations fail closed.
func For(op Operation) Mode {
	if m, ok := declared[op]; ok {
		return m
	}
	return Closed
}

// AllowOnFailure reports whether op proceeds when its dependency fails.
func AllowOnFailure(op Operation) bool {
	return For(op) == Open
}
