package models

import (
	"context"
	"time"
)

type cycleContextKey struct{}

// CycleContext carries polling cycle data through context so backends can
// tag what they write without widening every interface.
type CycleContext struct {
	CycleId   string    // uuid of the polling cycle
	Trigger   string    // job name that started the cycle (e.g. "poll", "repair")
	StartedAt time.Time // wall clock when the cycle began
}

// WithCycleContext attaches cycle data to a context.
func WithCycleContext(ctx context.Context, cc *CycleContext) context.Context {
	return context.WithValue(ctx, cycleContextKey{}, cc)
}

// GetCycleContext retrieves cycle data from context, or nil if absent.
func GetCycleContext(ctx context.Context) *CycleContext {
	cc, _ := ctx.Value(cycleContextKey{}).(*CycleContext)
	return cc
}
