package ratelimit

import "context"

// Limiter throttles calls against a shared external resource identified by scope.
type Limiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// ScopeAuthority is the scope every call to the tourism authority is counted under.
const ScopeAuthority = "authority"
