package participant

import (
	"context"

	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// FaultPoint names a place where a FaultInjector is consulted.
type FaultPoint string

const (
	FaultBeforeLocalCommit   FaultPoint = "before-local-commit"
	FaultBeforeLocalRollback FaultPoint = "before-local-rollback"
	FaultBeforeStart         FaultPoint = "before-xa-start"
	FaultBeforePrepare       FaultPoint = "before-xa-prepare"
	FaultBeforeCommit        FaultPoint = "before-xa-commit"
	FaultBeforeRollback      FaultPoint = "before-xa-rollback"
)

// FaultInjector is called before the physical action at each FaultPoint. A
// non-nil error aborts the operation as if the resource manager had failed.
// Used by tests to force the connection down at a chosen point.
type FaultInjector func(ctx context.Context, point FaultPoint) error

// WithFaultInjector installs f.
func WithFaultInjector(f FaultInjector) Option {
	return func(p *Participant) { p.faults = f }
}

func (p *Participant) inject(ctx context.Context, point FaultPoint) error {
	if p.faults == nil {
		return nil
	}
	if err := p.faults(ctx, point); err != nil {
		return xaerr.RMFail(string(point), err, "injected fault")
	}
	return nil
}
