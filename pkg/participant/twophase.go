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

// TwoPhaseResource drives a global transaction branch through a native
// resource manager, keeping the participant state in step with it.
type TwoPhaseResource struct {
	p      *Participant
	native NativeResource

	// last is the most recent branch started here. Cleanup rolls it back if
	// the connection is released with the branch still open.
	last     protocol.Xid
	prepared bool
}

var _ Resource = (*TwoPhaseResource)(nil)

// Start associates the connection with xid. TMJOIN and TMRESUME reattach the
// bound branch after End; anything else opens a new branch.
func (r *TwoPhaseResource) Start(ctx context.Context, xid protocol.Xid, flags protocol.Flags) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaStart, err) }()

	log := p.logger.With(zap.Stringer("xid", xid), zap.Stringer("flags", flags))
	if err := p.checkAssociated(protocol.OpXaStart); err != nil {
		return err
	}

	if flags.Has(protocol.TMJoin | protocol.TMResume) {
		return r.rejoin(ctx, xid, flags, log)
	}

	st := p.state.State()
	if st == protocol.StateXaEnded {
		return xaerr.Protocol(string(protocol.OpXaStart), "transaction already active (state %s)", st)
	}
	if err := p.state.IsValid(protocol.OpXaStart); err != nil {
		return err
	}
	if err := p.inject(ctx, FaultBeforeStart); err != nil {
		return err
	}
	if _, err := p.saveAutoCommit(ctx); err != nil {
		return xaerr.RMFail(string(protocol.OpXaStart), err, "read autocommit")
	}

	if err := r.native.Start(ctx, xid, flags); err != nil {
		log.Warn("native start failed, rolling branch back", zap.Error(err))
		r.compensateStart(ctx, xid, log)
		return xaerr.RollbackProtocol(xaerr.RBRollback, string(protocol.OpXaStart), err, "native start failed")
	}

	p.bind(xid, r)
	r.last = xid
	r.prepared = false
	if err := p.state.Apply(protocol.OpXaStart, state.Done); err != nil {
		return err
	}
	log.Debug("branch started")
	return nil
}

func (r *TwoPhaseResource) rejoin(ctx context.Context, xid protocol.Xid, flags protocol.Flags, log *zap.Logger) error {
	p := r.p
	bound := p.xid
	if bound.IsZero() || bound != xid {
		return xaerr.UnknownBranch(string(protocol.OpXaStart), "cannot %s xid %s, bound branch is %s", flags, xid, bound)
	}
	if st := p.state.State(); st != protocol.StateXaEnded {
		return xaerr.Protocol(string(protocol.OpXaStart), "cannot %s branch in state %s", flags, st)
	}
	if err := r.native.Start(ctx, xid, flags); err != nil {
		return classify(protocol.OpXaStart, err)
	}
	if err := p.state.Apply(protocol.OpXaStart, state.Done); err != nil {
		return err
	}
	log.Debug("branch resumed")
	return nil
}

// compensateStart undoes a partial native start. Errors are logged only; the
// caller already reports the start as rolled back.
func (r *TwoPhaseResource) compensateStart(ctx context.Context, xid protocol.Xid, log *zap.Logger) {
	p := r.p
	err := multierr.Combine(
		r.native.End(ctx, xid, protocol.TMFail),
		r.native.Rollback(ctx, xid),
	)
	if rerr := p.restoreAutoCommit(ctx); rerr != nil {
		err = multierr.Append(err, rerr)
	}
	p.autoCommitSaved = false
	if err != nil {
		log.Debug("compensation after failed start", zap.Error(err))
	}
}

// End dissociates the connection from xid. A failing native end leaves the
// branch ended-failed; failures outside the rollback class also mark the
// connection as unusable.
func (r *TwoPhaseResource) End(ctx context.Context, xid protocol.Xid, flags protocol.Flags) (err error) {
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
	if err := p.state.IsValid(op); err != nil {
		return err
	}

	if err := r.native.End(ctx, xid, flags); err != nil {
		_ = p.state.Apply(protocol.OpXaEndFail, state.Done)
		if xaerr.IsRollback(err) {
			p.logger.Info("branch marked rollback-only", zap.Stringer("xid", xid), zap.Error(err))
			return err
		}
		wrapped := xaerr.RMFail(string(op), err, "native end failed")
		p.fatal(wrapped)
		return wrapped
	}
	return p.state.Apply(op, state.Done)
}

// Prepare asks the resource manager to vote. A read-only vote completes the
// branch here; the transaction manager will not call commit or rollback.
func (r *TwoPhaseResource) Prepare(ctx context.Context, xid protocol.Xid) (vote protocol.Vote, err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaPrepare, err) }()

	if p.xid.IsZero() || p.xid != xid {
		return "", xaerr.UnknownBranch(string(protocol.OpXaPrepare), "xid %s is not the bound branch %s", xid, p.xid)
	}
	if err := p.state.IsValid(protocol.OpXaPrepare); err != nil {
		return "", err
	}
	if err := p.inject(ctx, FaultBeforePrepare); err != nil {
		return "", err
	}

	vote, err = r.native.Prepare(ctx, xid)
	if err != nil {
		return "", classify(protocol.OpXaPrepare, err)
	}

	if vote == protocol.VoteReadOnly {
		if err := p.state.Apply(protocol.OpXaPrepare, state.ReadOnly); err != nil {
			return "", err
		}
		if err := p.restoreAutoCommit(ctx); err != nil {
			return "", xaerr.RMFail(string(protocol.OpXaPrepare), err, "restore autocommit after read-only vote")
		}
		p.logger.Debug("branch voted read-only", zap.Stringer("xid", xid))
		return vote, nil
	}

	if err := p.state.Apply(protocol.OpXaPrepare, state.Done); err != nil {
		return "", err
	}
	r.prepared = true
	p.logger.Debug("branch prepared", zap.Stringer("xid", xid))
	return protocol.VoteOK, nil
}

// Commit commits xid. With no branch bound the call resolves an in-doubt
// branch found by recovery.
func (r *TwoPhaseResource) Commit(ctx context.Context, xid protocol.Xid, onePhase bool) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaCommit, err) }()

	return r.terminate(ctx, protocol.OpXaCommit, xid, protocol.StateXaCommitted, FaultBeforeCommit,
		func() error { return r.native.Commit(ctx, xid, onePhase) })
}

// Rollback rolls xid back. With no branch bound the call resolves an
// in-doubt branch found by recovery.
func (r *TwoPhaseResource) Rollback(ctx context.Context, xid protocol.Xid) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaRollback, err) }()

	return r.terminate(ctx, protocol.OpXaRollback, xid, protocol.StateXaRolledBack, FaultBeforeRollback,
		func() error { return r.native.Rollback(ctx, xid) })
}

func (r *TwoPhaseResource) terminate(ctx context.Context, op protocol.Operation, xid protocol.Xid, settling protocol.TxState, point FaultPoint, physical func() error) error {
	p := r.p
	log := p.logger.With(zap.Stringer("xid", xid), zap.String("op", string(op)))

	recovery, err := p.checkBranch(op, xid)
	if err != nil {
		return err
	}
	if err := p.state.IsValid(op); err != nil {
		return err
	}
	next, err := p.state.Next(op, state.Done)
	if err != nil {
		return err
	}

	// read-only branches are already complete on the resource manager
	if p.state.State() == protocol.StateXaReadOnly {
		return p.finish(ctx, op, settling, next)
	}

	if err := p.inject(ctx, point); err != nil {
		return err
	}
	if err := physical(); err != nil {
		if xaerr.IsHeuristic(err) {
			r.heuristic(ctx, xid, err, log)
			return err
		}
		return classify(op, err)
	}

	if recovery {
		p.metrics.recoveryBypass()
		log.Info("resolved in-doubt branch")
	}
	r.prepared = false
	return p.finish(ctx, op, settling, next)
}

// heuristic records a unilateral resource manager decision. The native forget
// is issued here; the transaction manager's own forget only clears the state.
func (r *TwoPhaseResource) heuristic(ctx context.Context, xid protocol.Xid, cause error, log *zap.Logger) {
	p := r.p
	if err := r.native.Forget(ctx, xid); err != nil {
		log.Error("forget after heuristic outcome failed", zap.Error(err))
	}
	if err := p.state.Apply(protocol.OpXaForget, state.Heuristic); err != nil {
		p.state.SetState(protocol.StateHeuristicEnded)
	}
	if p.xid.IsZero() {
		p.bind(xid, r)
	}
	r.last = xid
	r.prepared = false
	p.metrics.heuristic()
	log.Warn("heuristic outcome", zap.Error(cause))
}

// Forget discards a heuristically completed branch. After a heuristic outcome
// the native forget has already run; a recovery forget calls it once.
func (r *TwoPhaseResource) Forget(ctx context.Context, xid protocol.Xid) (err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaForget, err) }()

	if !p.xid.IsZero() && p.xid != xid {
		p.logger.Warn("forget for xid other than the bound branch",
			zap.Stringer("xid", xid),
			zap.Stringer("bound", p.xid))
	}
	if err := p.state.IsValid(protocol.OpXaForget); err != nil {
		return err
	}
	next, err := p.state.Next(protocol.OpXaForget, state.Done)
	if err != nil {
		return err
	}

	if p.state.State() != protocol.StateHeuristicEnded {
		if err := r.native.Forget(ctx, xid); err != nil {
			return classify(protocol.OpXaForget, err)
		}
		p.metrics.recoveryBypass()
	}
	return p.finish(ctx, protocol.OpXaForget, protocol.StateXaForgotten, next)
}

// Recover lists the prepared branches the resource manager holds.
func (r *TwoPhaseResource) Recover(ctx context.Context, flags protocol.Flags) (xids []protocol.Xid, err error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.metrics.observe(protocol.OpXaRecover, err) }()

	if err := p.state.IsValid(protocol.OpXaRecover); err != nil {
		return nil, err
	}
	xids, err = r.native.Recover(ctx, flags)
	if err != nil {
		return nil, classify(protocol.OpXaRecover, err)
	}

	outcome := state.Done
	if len(xids) == 0 {
		outcome = state.Empty
	}
	if err := p.state.Apply(protocol.OpXaRecover, outcome); err != nil {
		return nil, err
	}
	p.logger.Debug("recover scan", zap.Stringer("flags", flags), zap.Int("in_doubt", len(xids)))
	return xids, nil
}

// IsSameRM reports whether other reaches the same resource manager.
func (r *TwoPhaseResource) IsSameRM(other Resource) bool {
	o, ok := other.(interface{ nativeResource() NativeResource })
	if !ok {
		return false
	}
	return r.native.IsSameRM(o.nativeResource())
}

func (r *TwoPhaseResource) nativeResource() NativeResource {
	return r.native
}

// TransactionTimeout returns the native branch timeout.
func (r *TwoPhaseResource) TransactionTimeout() (time.Duration, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.native.TransactionTimeout()
}

// SetTransactionTimeout sets the native branch timeout.
func (r *TwoPhaseResource) SetTransactionTimeout(d time.Duration) (bool, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.native.SetTransactionTimeout(d)
}

// abandon ends and rolls back the last started branch. Prepared branches are
// in doubt and belong to recovery.
func (r *TwoPhaseResource) abandon(ctx context.Context, st protocol.TxState) error {
	log := r.p.logger.With(zap.Stringer("xid", r.last), zap.String("state", string(st)))
	if r.prepared {
		log.Warn("leaving prepared branch for recovery")
		r.prepared = false
		return nil
	}

	var err error
	if st == protocol.StateXaStarted {
		if e := r.native.End(ctx, r.last, protocol.TMFail); e != nil && !xaerr.IsRollback(e) {
			err = multierr.Append(err, e)
		}
	}
	if e := r.native.Rollback(ctx, r.last); e != nil {
		err = multierr.Append(err, e)
	}
	log.Info("abandoned open branch", zap.Error(err))
	return err
}
