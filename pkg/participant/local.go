package participant

import (
	"context"

	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/state"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// LocalTransaction runs a non-distributed transaction on the connection.
type LocalTransaction struct {
	p *Participant
}

// Begin turns autocommit off, remembering the previous mode.
func (l *LocalTransaction) Begin(ctx context.Context) (err error) {
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpLocalBegin, err) }()

	if err := p.checkAssociated(protocol.OpLocalBegin); err != nil {
		return err
	}
	if err := p.state.IsValid(protocol.OpLocalBegin); err != nil {
		return err
	}

	ac, err := p.conn.AutoCommit(ctx)
	if err != nil {
		return xaerr.RMFail(string(protocol.OpLocalBegin), err, "read autocommit")
	}
	if ac {
		if err := p.conn.SetAutoCommit(ctx, false); err != nil {
			return xaerr.RMFail(string(protocol.OpLocalBegin), err, "disable autocommit")
		}
	}
	p.savedAutoCommit = ac
	p.autoCommitSaved = true

	// A read-only branch that was never completed is finished by now.
	p.unbind()
	if err := p.state.Apply(protocol.OpLocalBegin, state.Done); err != nil {
		return err
	}

	p.logger.Debug("local transaction started", zap.Bool("autocommit", ac))
	return nil
}

// Commit commits the local transaction and restores autocommit.
func (l *LocalTransaction) Commit(ctx context.Context) error {
	return l.complete(ctx, protocol.OpLocalCommit, FaultBeforeLocalCommit, l.p.conn.Commit)
}

// Rollback rolls the local transaction back and restores autocommit.
func (l *LocalTransaction) Rollback(ctx context.Context) error {
	return l.complete(ctx, protocol.OpLocalRollback, FaultBeforeLocalRollback, l.p.conn.Rollback)
}

func (l *LocalTransaction) complete(ctx context.Context, op protocol.Operation, point FaultPoint, physical func(context.Context) error) (err error) {
	p := l.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(op, err) }()

	if err := p.state.IsValid(op); err != nil {
		return err
	}
	if err := p.inject(ctx, point); err != nil {
		return err
	}
	if err := physical(ctx); err != nil {
		return xaerr.RMFail(string(op), err, "physical %s failed", op)
	}
	if err := p.restoreAutoCommit(ctx); err != nil {
		return xaerr.RMFail(string(op), err, "restore autocommit")
	}
	if err := p.state.Apply(op, state.Done); err != nil {
		return err
	}

	// the enlistment a lazy handle was waiting for belonged to this transaction
	p.deferred = false
	p.enlister = nil

	p.logger.Debug("local transaction completed", zap.String("op", string(op)))
	return nil
}
