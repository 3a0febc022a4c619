package plan

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Clock provides the authority time for transitions. It is read once per transition.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Vault moves stake into and out of a plan-scoped locked balance.
type Vault interface {
	// Lock moves amount of asset from the owner's balance into the balance locked for key
	// and returns the capability that later authorises its release.
	Lock(ctx context.Context, key Key, asset string, amount uint64) (string, error)
	// Locked reports the balance still locked under capability.
	Locked(ctx context.Context, capability string) (uint64, error)
	// Release returns up to amount of the locked balance to the owner and reports
	// how much was actually moved.
	Release(ctx context.Context, capability string, amount uint64) (uint64, error)
}

// Telemetry wraps transitions in traces and RED metrics.
type Telemetry interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type noopTelemetry struct{}

func (noopTelemetry) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// SettlementHook observes a committed settlement. Hooks run after funds are released
// and cannot fail the transition.
type SettlementHook func(ctx context.Context, p *Plan, s Settlement)
