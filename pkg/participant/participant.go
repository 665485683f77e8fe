// Package participant implements the transaction participant of one pooled
// connection: local transactions, two-phase XA branches and one-phase emulation,
// all validated against one state machine and serialized by one lock.
package participant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/state"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// Connection is the physical resource manager connection.
type Connection interface {
	AutoCommit(ctx context.Context) (bool, error)
	SetAutoCommit(ctx context.Context, on bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// NativeResource is a resource manager with real two-phase support.
// Errors should be *xaerr.Error; anything else is treated as XAER_RMERR.
type NativeResource interface {
	Start(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error
	End(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error
	Prepare(ctx context.Context, xid protocol.Xid) (protocol.Vote, error)
	Commit(ctx context.Context, xid protocol.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid protocol.Xid) error
	Forget(ctx context.Context, xid protocol.Xid) error
	Recover(ctx context.Context, flags protocol.Flags) ([]protocol.Xid, error)
	IsSameRM(other NativeResource) bool
	TransactionTimeout() (time.Duration, error)
	SetTransactionTimeout(d time.Duration) (bool, error)
}

// Resource is the surface the transaction manager drives for a global
// transaction. TwoPhaseResource and OnePhaseResource implement it.
type Resource interface {
	Start(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error
	End(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error
	Prepare(ctx context.Context, xid protocol.Xid) (protocol.Vote, error)
	Commit(ctx context.Context, xid protocol.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid protocol.Xid) error
	Forget(ctx context.Context, xid protocol.Xid) error
	Recover(ctx context.Context, flags protocol.Flags) ([]protocol.Xid, error)
	IsSameRM(other Resource) bool
	TransactionTimeout() (time.Duration, error)
	SetTransactionTimeout(d time.Duration) (bool, error)
}

// branch is the resource that owns the bound global transaction. Cleanup uses
// it to abandon a branch that is still open.
type branch interface {
	abandon(ctx context.Context, st protocol.TxState) error
}

// Participant is the transaction state of one physical connection.
type Participant struct {
	mu    sync.Mutex
	id    string
	conn  Connection
	state *state.Manager

	savedAutoCommit bool
	autoCommitSaved bool

	xid    protocol.Xid
	active branch

	enlistment  EnlistmentStrategy
	association AssociationStrategy
	enlister    Enlister
	deferred    bool
	associated  bool

	logger  *zap.Logger
	metrics *Metrics
	faults  FaultInjector
	onFatal func(error)
}

// Option configures a Participant.
type Option func(*Participant)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Participant) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records operation outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(p *Participant) { p.metrics = m }
}

// WithEnlistment selects eager or lazy enlistment.
func WithEnlistment(s EnlistmentStrategy) Option {
	return func(p *Participant) {
		if s != nil {
			p.enlistment = s
		}
	}
}

// WithAssociation selects eager or lazy handle association.
func WithAssociation(s AssociationStrategy) Option {
	return func(p *Participant) {
		if s != nil {
			p.association = s
		}
	}
}

// WithConnectionErrorListener registers fn to be told when the connection must
// be discarded.
func WithConnectionErrorListener(fn func(error)) Option {
	return func(p *Participant) { p.onFatal = fn }
}

// New wraps conn. The participant starts Idle and associated.
func New(conn Connection, opts ...Option) *Participant {
	p := &Participant{
		id:          uuid.NewString(),
		conn:        conn,
		state:       state.NewManager(),
		enlistment:  EagerEnlistment,
		association: EagerAssociation,
		associated:  true,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("participant", p.id))
	return p
}

// ID returns the participant id used in logs.
func (p *Participant) ID() string {
	return p.id
}

// State returns the current transaction state.
func (p *Participant) State() protocol.TxState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.State()
}

// BoundXid returns the Xid of the global transaction bound to the connection.
func (p *Participant) BoundXid() (protocol.Xid, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.xid, !p.xid.IsZero()
}

// Connection returns the physical connection.
func (p *Participant) Connection() Connection {
	return p.conn
}

// LocalTransaction returns the local transaction coordinator.
func (p *Participant) LocalTransaction() *LocalTransaction {
	return &LocalTransaction{p: p}
}

// TwoPhaseResource returns an XA resource backed by native.
func (p *Participant) TwoPhaseResource(native NativeResource) *TwoPhaseResource {
	return &TwoPhaseResource{p: p, native: native}
}

// OnePhaseResource returns an XA resource that emulates the protocol over the
// connection's local commit.
func (p *Participant) OnePhaseResource() *OnePhaseResource {
	return &OnePhaseResource{p: p}
}

// Cleanup abandons any open transaction and returns the participant to Idle.
// An open branch is ended with TMFAIL and rolled back using the last known
// Xid; prepared branches are left for recovery. Errors are reported to the
// connection error listener.
func (p *Participant) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupLocked(ctx)
}

// Close cleans up and closes the physical connection.
func (p *Participant) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.cleanupLocked(ctx)
	if cerr := p.conn.Close(ctx); cerr != nil {
		err = multierr.Append(err, xaerr.RMFail("close", cerr, "close connection"))
	}
	return err
}

func (p *Participant) cleanupLocked(ctx context.Context) error {
	st := p.state.State()
	if st == protocol.StateIdle && !p.autoCommitSaved && p.xid.IsZero() {
		return nil
	}

	var err error
	switch st {
	case protocol.StateLocalActive:
		if rerr := p.conn.Rollback(ctx); rerr != nil {
			err = multierr.Append(err, xaerr.RMFail("cleanup", rerr, "rollback local transaction"))
		}
	case protocol.StateXaStarted, protocol.StateXaEnded, protocol.StateXaEndedFailed:
		if p.active != nil {
			err = multierr.Append(err, p.active.abandon(ctx, st))
		}
	}
	if rerr := p.restoreAutoCommit(ctx); rerr != nil {
		err = multierr.Append(err, xaerr.RMFail("cleanup", rerr, "restore autocommit"))
	}

	p.logger.Debug("participant cleaned up",
		zap.String("state", string(st)),
		zap.Stringer("xid", p.xid),
		zap.Error(err))

	p.autoCommitSaved = false
	p.unbind()
	p.deferred = false
	p.enlister = nil
	p.state.SetState(protocol.StateIdle)

	if err != nil {
		p.fatal(err)
	}
	return err
}

// finish completes a terminal operation whose physical action succeeded. The
// participant sits in the settling state until autocommit is restored.
func (p *Participant) finish(ctx context.Context, op protocol.Operation, settling, next protocol.TxState) error {
	p.unbind()
	p.state.SetState(settling)
	if err := p.restoreAutoCommit(ctx); err != nil {
		return xaerr.RMFail(string(op), err, "restore autocommit")
	}
	p.state.SetState(next)
	return nil
}

func (p *Participant) saveAutoCommit(ctx context.Context) (bool, error) {
	ac, err := p.conn.AutoCommit(ctx)
	if err != nil {
		return false, err
	}
	p.savedAutoCommit = ac
	p.autoCommitSaved = true
	return ac, nil
}

// restoreAutoCommit puts back the autocommit mode saved when the transaction
// began. It runs at most once per saved value.
func (p *Participant) restoreAutoCommit(ctx context.Context) error {
	if !p.autoCommitSaved {
		return nil
	}
	cur, err := p.conn.AutoCommit(ctx)
	if err != nil {
		return err
	}
	if cur != p.savedAutoCommit {
		if err := p.conn.SetAutoCommit(ctx, p.savedAutoCommit); err != nil {
			return err
		}
	}
	p.autoCommitSaved = false
	return nil
}

func (p *Participant) bind(xid protocol.Xid, b branch) {
	p.xid = xid
	p.active = b
}

func (p *Participant) unbind() {
	p.xid = protocol.Xid{}
	p.active = nil
}

// checkBranch verifies xid against the bound branch. With no branch bound the
// call is a recovery action and is let through.
func (p *Participant) checkBranch(op protocol.Operation, xid protocol.Xid) (recovery bool, err error) {
	if p.xid.IsZero() {
		return true, nil
	}
	if p.xid != xid {
		return false, xaerr.Wrap(xaerr.ErNotA, string(op), xaerr.ErrBranchBusy, "xid %s is not the bound branch %s", xid, p.xid)
	}
	return false, nil
}

// checkAssociated rejects new work on a connection released by Dissociate.
// Completion and recovery calls are not affected.
func (p *Participant) checkAssociated(op protocol.Operation) error {
	if !p.associated {
		return xaerr.Protocol(string(op), "connection is not associated with a handle")
	}
	return nil
}

func (p *Participant) fatal(err error) {
	p.metrics.fatalEvent()
	p.logger.Error("connection error, connection must be discarded", zap.Error(err))
	if p.onFatal != nil {
		p.onFatal(err)
	}
}

// classify gives foreign native errors an XA code.
func classify(op protocol.Operation, err error) error {
	if _, ok := xaerr.CodeOf(err); ok {
		return err
	}
	return xaerr.Wrap(xaerr.ErRMErr, string(op), err, "native %s failed", op)
}
