package pgxa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/baxromumarov/xa-participant/pkg/participant"
	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// Resource is the native XA resource of one session. PostgreSQL keeps no
// association between a session and a branch, so start opens a transaction
// block and end only records the outcome until prepare.
type Resource struct {
	conn    *Conn
	active  protocol.Xid
	failed  bool
	timeout time.Duration

	// aborted is a branch this session already rolled back because prepare
	// failed. The server has no trace of it, so the TM's rollback is a no-op.
	aborted protocol.Xid
}

var _ participant.NativeResource = (*Resource)(nil)

// Start opens a transaction block for xid.
func (r *Resource) Start(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error {
	const op = "XA_START"
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if flags.Has(protocol.TMJoin | protocol.TMResume) {
		if r.active != xid || !c.inTx {
			return xaerr.UnknownBranch(op, "branch %s is not open on this session", xid)
		}
		return nil
	}
	if c.inTx {
		return xaerr.New(xaerr.ErOutside, op, "local transaction in progress")
	}

	if _, err := c.s.Exec(ctx, "BEGIN"); err != nil {
		return mapError(op, err)
	}
	c.inTx = true
	c.autoCommit = false

	if r.timeout > 0 {
		// SET does not take bind parameters
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", r.timeout.Milliseconds())
		if _, err := c.s.Exec(ctx, stmt); err != nil {
			_ = c.endTx(ctx, "ROLLBACK")
			return mapError(op, err)
		}
	}

	r.active = xid
	r.failed = false
	r.aborted = protocol.Xid{}
	c.logger.Debug("branch opened", zap.Stringer("xid", xid), zap.String("gid", EncodeGID(xid)))
	return nil
}

// End records the branch outcome. TMFAIL makes prepare roll back.
func (r *Resource) End(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error {
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.active != xid {
		return xaerr.UnknownBranch("XA_END", "branch %s is not open on this session", xid)
	}
	if flags.Has(protocol.TMFail) {
		r.failed = true
	}
	return nil
}

// Prepare writes the branch to disk with PREPARE TRANSACTION. Branches that
// never obtained a transaction id are committed at once and vote read-only.
func (r *Resource) Prepare(ctx context.Context, xid protocol.Xid) (protocol.Vote, error) {
	const op = "XA_PREPARE"
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.active != xid || !c.inTx {
		return "", xaerr.UnknownBranch(op, "branch %s is not open on this session", xid)
	}
	if r.failed {
		_ = r.finishLocked(ctx, "ROLLBACK")
		r.aborted = xid
		return "", xaerr.New(xaerr.RBRollback, op, "branch ended with TMFAIL")
	}

	var readOnly bool
	if err := c.s.QueryRow(ctx, "SELECT txid_current_if_assigned() IS NULL").Scan(&readOnly); err != nil {
		return "", mapError(op, err)
	}
	if readOnly {
		if err := r.finishLocked(ctx, "COMMIT"); err != nil {
			return "", mapError(op, err)
		}
		return protocol.VoteReadOnly, nil
	}

	gid := EncodeGID(xid)
	_, err := c.s.Exec(ctx, "PREPARE TRANSACTION "+quoteLiteral(gid))
	// a failed PREPARE TRANSACTION rolls the block back
	c.inTx = false
	r.active = protocol.Xid{}
	if err != nil {
		r.aborted = xid
		mapped := mapError(op, err)
		if code, _ := xaerr.CodeOf(mapped); code != xaerr.ErRMFail && !code.IsRollback() {
			mapped = xaerr.Wrap(xaerr.RBRollback, op, err, "prepare failed")
		}
		return "", mapped
	}
	c.logger.Debug("branch prepared", zap.String("gid", gid))
	return protocol.VoteOK, nil
}

// Commit runs COMMIT for a one-phase commit of the open branch, or COMMIT
// PREPARED otherwise.
func (r *Resource) Commit(ctx context.Context, xid protocol.Xid, onePhase bool) error {
	const op = "XA_COMMIT"
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if onePhase {
		if r.active != xid || !c.inTx {
			return xaerr.UnknownBranch(op, "branch %s is not open on this session", xid)
		}
		if r.failed {
			_ = r.finishLocked(ctx, "ROLLBACK")
			return xaerr.New(xaerr.RBRollback, op, "branch ended with TMFAIL")
		}
		if err := r.finishLocked(ctx, "COMMIT"); err != nil {
			if errors.Is(err, ErrAborted) {
				return xaerr.Wrap(xaerr.RBRollback, op, err, "one-phase commit rolled back")
			}
			return mapError(op, err)
		}
		return nil
	}

	if r.active == xid && c.inTx {
		return xaerr.Protocol(op, "branch %s is not prepared", xid)
	}
	if r.aborted == xid {
		return xaerr.New(xaerr.RBRollback, op, "branch %s was rolled back when prepare failed", xid)
	}
	if _, err := c.s.Exec(ctx, "COMMIT PREPARED "+quoteLiteral(EncodeGID(xid))); err != nil {
		return mapError(op, err)
	}
	return nil
}

// Rollback rolls back the open branch, or a prepared one with ROLLBACK PREPARED.
func (r *Resource) Rollback(ctx context.Context, xid protocol.Xid) error {
	const op = "XA_ROLLBACK"
	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.active == xid && c.inTx {
		if err := r.finishLocked(ctx, "ROLLBACK"); err != nil {
			return mapError(op, err)
		}
		return nil
	}
	if r.aborted == xid {
		r.aborted = protocol.Xid{}
		c.logger.Debug("branch already rolled back by failed prepare", zap.Stringer("xid", xid))
		return nil
	}
	if _, err := c.s.Exec(ctx, "ROLLBACK PREPARED "+quoteLiteral(EncodeGID(xid))); err != nil {
		return mapError(op, err)
	}
	return nil
}

// Forget is a no-op: PostgreSQL never completes branches heuristically.
func (r *Resource) Forget(ctx context.Context, xid protocol.Xid) error {
	r.conn.logger.Debug("forget ignored", zap.Stringer("xid", xid))
	return nil
}

// Recover lists prepared transactions of the current database that were
// created by this package. The whole list is returned on TMSTARTRSCAN.
func (r *Resource) Recover(ctx context.Context, flags protocol.Flags) ([]protocol.Xid, error) {
	const op = "XA_RECOVER"
	if !flags.Has(protocol.TMStartRScan) {
		return nil, nil
	}

	c := r.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.s.Query(ctx, "SELECT gid FROM pg_prepared_xacts WHERE database = current_database() ORDER BY prepared")
	if err != nil {
		return nil, mapError(op, err)
	}
	gids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapError(op, err)
	}

	xids := make([]protocol.Xid, 0, len(gids))
	for _, gid := range gids {
		xid, err := DecodeGID(gid)
		if err != nil {
			c.logger.Debug("skipping foreign prepared transaction", zap.String("gid", gid))
			continue
		}
		xids = append(xids, xid)
	}
	return xids, nil
}

// IsSameRM reports whether other runs on the same session.
func (r *Resource) IsSameRM(other participant.NativeResource) bool {
	o, ok := other.(*Resource)
	return ok && o.conn == r.conn
}

// TransactionTimeout returns the statement timeout applied to new branches.
func (r *Resource) TransactionTimeout() (time.Duration, error) {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	return r.timeout, nil
}

// SetTransactionTimeout sets the statement timeout for branches started
// afterwards. Zero restores the server default.
func (r *Resource) SetTransactionTimeout(d time.Duration) (bool, error) {
	if d < 0 {
		return false, xaerr.New(xaerr.ErInval, "XA_SET_TIMEOUT", "negative timeout %s", d)
	}
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	r.timeout = d
	return true, nil
}

func (r *Resource) finishLocked(ctx context.Context, stmt string) error {
	r.active = protocol.Xid{}
	r.failed = false
	return r.conn.endTx(ctx, stmt)
}
