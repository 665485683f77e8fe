package participant

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/state"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// OnePhaseResource emulates an XA branch with the connection's local
// transaction. It can only take part as the single resource of a one-phase
// commit.
type OnePhaseResource struct {
	p *Participant
}

var _ Resource = (*OnePhaseResource)(nil)

// Start turns autocommit off and binds xid.
func (r *OnePhaseResource) Start(ctx context.Context, xid protocol.Xid, flags protocol.Flags) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaStart, err) }()

	op := string(protocol.OpXaStart)
	st := p.state.State()
	if err := p.checkAssociated(protocol.OpXaStart); err != nil {
		return err
	}

	if flags.Has(protocol.TMJoin | protocol.TMResume) {
		if p.xid.IsZero() || p.xid != xid {
			return xaerr.UnknownBranch(op, "cannot %s xid %s, bound branch is %s", flags, xid, p.xid)
		}
		if st != protocol.StateXaEnded {
			return xaerr.Protocol(op, "cannot %s branch in state %s", flags, st)
		}
		return p.state.Apply(protocol.OpXaStart, state.Done)
	}

	if st == protocol.StateXaEnded {
		return xaerr.Protocol(op, "transaction already active (state %s)", st)
	}
	if err := p.state.IsValid(protocol.OpXaStart); err != nil {
		return err
	}
	if err := p.inject(ctx, FaultBeforeStart); err != nil {
		return err
	}

	ac, err := p.saveAutoCommit(ctx)
	if err != nil {
		return xaerr.RMFail(op, err, "read autocommit")
	}
	if ac {
		if err := p.conn.SetAutoCommit(ctx, false); err != nil {
			p.autoCommitSaved = false
			return xaerr.RMFail(op, err, "disable autocommit")
		}
	}

	p.bind(xid, r)
	if err := p.state.Apply(protocol.OpXaStart, state.Done); err != nil {
		return err
	}
	p.logger.Debug("emulated branch started", zap.Stringer("xid", xid))
	return nil
}

// End only updates the state; the local transaction stays open.
func (r *OnePhaseResource) End(ctx context.Context, xid protocol.Xid, flags protocol.Flags) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()

	op := protocol.OpXaEnd
	if flags.Has(protocol.TMFail) {
		op = protocol.OpXaEndFail
	}
	defer func() { p.metrics.observe(op, err) }()

	if p.xid.IsZero() || p.xid != xid {
		return xaerr.UnknownBranch(string(op), "xid %s is not the bound branch %s", xid, p.xid)
	}
	return p.state.Apply(op, state.Done)
}

// Prepare is not supported.
func (r *OnePhaseResource) Prepare(ctx context.Context, xid protocol.Xid) (protocol.Vote, error) {
	err := xaerr.RollbackProtocol(xaerr.RBProto, string(protocol.OpXaPrepare), nil,
		"resource only supports one-phase commit")
	r.p.metrics.observe(protocol.OpXaPrepare, err)
	return "", err
}

// Commit commits the local transaction. onePhase must be set. If the
// physical commit fails the work is rolled back and reported as such.
func (r *OnePhaseResource) Commit(ctx context.Context, xid protocol.Xid, onePhase bool) (err error) {
	p := r.p
	defer func() { p.metrics.observe(protocol.OpXaCommit, err) }()

	op := string(protocol.OpXaCommit)
	if !onePhase {
		return xaerr.RollbackProtocol(xaerr.RBProto, op, nil, "resource only supports one-phase commit")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.checkBranch(protocol.OpXaCommit, xid); err != nil {
		return err
	}
	if err := p.state.IsValid(protocol.OpXaCommit); err != nil {
		return err
	}
	next, err := p.state.Next(protocol.OpXaCommit, state.Done)
	if err != nil {
		return err
	}
	if err := p.inject(ctx, FaultBeforeCommit); err != nil {
		return err
	}

	ac, err := p.conn.AutoCommit(ctx)
	if err != nil {
		return xaerr.RMFail(op, err, "read autocommit")
	}
	if !ac {
		if cerr := p.conn.Commit(ctx); cerr != nil {
			if rerr := p.conn.Rollback(ctx); rerr != nil {
				failed := xaerr.RMFail(op, multierr.Combine(cerr, rerr), "commit failed and rollback failed")
				p.fatal(failed)
				return failed
			}
			p.logger.Warn("commit failed, work rolled back", zap.Stringer("xid", xid), zap.Error(cerr))
			return xaerr.RollbackProtocol(xaerr.RBRollback, op, cerr, "commit failed, work rolled back")
		}
	}
	return p.finish(ctx, protocol.OpXaCommit, protocol.StateXaCommitted, next)
}

// Rollback rolls the local transaction back.
func (r *OnePhaseResource) Rollback(ctx context.Context, xid protocol.Xid) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaRollback, err) }()

	op := string(protocol.OpXaRollback)
	if _, err := p.checkBranch(protocol.OpXaRollback, xid); err != nil {
		return err
	}
	if err := p.state.IsValid(protocol.OpXaRollback); err != nil {
		return err
	}
	next, err := p.state.Next(protocol.OpXaRollback, state.Done)
	if err != nil {
		return err
	}
	if err := p.inject(ctx, FaultBeforeRollback); err != nil {
		return err
	}

	ac, err := p.conn.AutoCommit(ctx)
	if err != nil {
		return xaerr.RMFail(op, err, "read autocommit")
	}
	if !ac {
		if err := p.conn.Rollback(ctx); err != nil {
			return xaerr.RMFail(op, err, "physical rollback failed")
		}
	}
	return p.finish(ctx, protocol.OpXaRollback, protocol.StateXaRolledBack, next)
}

// Forget is not supported.
func (r *OnePhaseResource) Forget(ctx context.Context, xid protocol.Xid) error {
	err := xaerr.RollbackProtocol(xaerr.RBProto, string(protocol.OpXaForget), nil,
		"resource only supports one-phase commit")
	r.p.metrics.observe(protocol.OpXaForget, err)
	return err
}

// Recover is not supported.
func (r *OnePhaseResource) Recover(ctx context.Context, flags protocol.Flags) ([]protocol.Xid, error) {
	err := xaerr.RollbackProtocol(xaerr.RBProto, string(protocol.OpXaRecover), nil,
		"resource only supports one-phase commit")
	r.p.metrics.observe(protocol.OpXaRecover, err)
	return nil, err
}

// IsSameRM is always false so the transaction manager never joins two
// emulated branches.
func (r *OnePhaseResource) IsSameRM(other Resource) bool {
	return false
}

// TransactionTimeout is not supported and reports zero.
func (r *OnePhaseResource) TransactionTimeout() (time.Duration, error) {
	return 0, nil
}

// SetTransactionTimeout is not supported and reports false.
func (r *OnePhaseResource) SetTransactionTimeout(d time.Duration) (bool, error) {
	return false, nil
}

func (r *OnePhaseResource) abandon(ctx context.Context, st protocol.TxState) error {
	ac, err := r.p.conn.AutoCommit(ctx)
	if err != nil {
		return err
	}
	if ac {
		return nil
	}
	return r.p.conn.Rollback(ctx)
}
