package pgxa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baxromumarov/xa-participant/pkg/participant"
	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

func newTestConn(t *testing.T) (*Conn, *fakeSession) {
	s := newFakeSession()
	return newConn(s, zaptest.NewLogger(t)), s
}

func testXid(t *testing.T, gtrid string) protocol.Xid {
	xid, err := protocol.NewXid(1, []byte(gtrid), []byte("b1"))
	require.NoError(t, err)
	return xid
}

func TestConnLazyBegin(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)

	_, err := c.Exec(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	require.NoError(t, c.SetAutoCommit(ctx, false))
	_, err = c.Exec(ctx, "INSERT INTO t VALUES (2)")
	require.NoError(t, err)
	_, err = c.Exec(ctx, "INSERT INTO t VALUES (3)")
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.SetAutoCommit(ctx, true))

	assert.Equal(t, []string{
		"INSERT INTO t VALUES (1)",
		"BEGIN",
		"INSERT INTO t VALUES (2)",
		"INSERT INTO t VALUES (3)",
		"COMMIT",
	}, s.stmts)
}

func TestConnAutoCommitOnCommitsOpenBlock(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)

	require.NoError(t, c.SetAutoCommit(ctx, false))
	_, err := c.Exec(ctx, "UPDATE t SET v = 1")
	require.NoError(t, err)
	require.NoError(t, c.SetAutoCommit(ctx, true))

	assert.Equal(t, []string{"BEGIN", "UPDATE t SET v = 1", "COMMIT"}, s.stmts)
}

func TestConnCommitOfAbortedBlock(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	s.tags["COMMIT"] = "ROLLBACK"

	require.NoError(t, c.SetAutoCommit(ctx, false))
	_, err := c.Exec(ctx, "SELECT 1/0")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Commit(ctx), ErrAborted)
}

func TestResourceTwoPhase(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	r := c.XAResource()
	xid := testXid(t, "gtx")
	gid := EncodeGID(xid)

	ok, err := r.SetTransactionTimeout(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Start(ctx, xid, protocol.TMNoFlags))
	require.NoError(t, r.End(ctx, xid, protocol.TMSuccess))
	vote, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, protocol.VoteOK, vote)
	require.NoError(t, r.Commit(ctx, xid, false))

	assert.Equal(t, []string{
		"BEGIN",
		"SET LOCAL statement_timeout = 2000",
		"SELECT txid_current_if_assigned() IS NULL",
		"PREPARE TRANSACTION '" + gid + "'",
		"COMMIT PREPARED '" + gid + "'",
	}, s.stmts)
}

func TestResourceReadOnlyVote(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	s.readOnly = true
	r := c.XAResource()
	xid := testXid(t, "gtx")

	require.NoError(t, r.Start(ctx, xid, protocol.TMNoFlags))
	require.NoError(t, r.End(ctx, xid, protocol.TMSuccess))
	vote, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, protocol.VoteReadOnly, vote)
	assert.Equal(t, "COMMIT", s.stmts[len(s.stmts)-1])
}

func TestResourceEndFail(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	r := c.XAResource()
	xid := testXid(t, "gtx")

	require.NoError(t, r.Start(ctx, xid, protocol.TMNoFlags))
	require.NoError(t, r.End(ctx, xid, protocol.TMFail))
	_, err := r.Prepare(ctx, xid)
	assert.ErrorIs(t, err, xaerr.ErrRolledBack)
	assert.Equal(t, []string{"BEGIN", "ROLLBACK"}, s.stmts)
}

func TestResourcePrepareFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	s.errs["PREPARE TRANSACTION"] = &pgconn.PgError{Code: "55000", Message: "prepared transactions are disabled"}
	r := c.XAResource()
	xid := testXid(t, "gtx")

	require.NoError(t, r.Start(ctx, xid, protocol.TMNoFlags))
	require.NoError(t, r.End(ctx, xid, protocol.TMSuccess))
	_, err := r.Prepare(ctx, xid)
	assert.True(t, xaerr.IsRollback(err))
}

func TestResourceOnePhaseCommitAborted(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	s.tags["COMMIT"] = "ROLLBACK"
	r := c.XAResource()
	xid := testXid(t, "gtx")

	require.NoError(t, r.Start(ctx, xid, protocol.TMNoFlags))
	require.NoError(t, r.End(ctx, xid, protocol.TMSuccess))
	err := r.Commit(ctx, xid, true)
	code, ok := xaerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, xaerr.RBRollback, code)
}

func TestResourceRejectsStartInsideLocalTransaction(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestConn(t)
	require.NoError(t, c.SetAutoCommit(ctx, false))
	_, err := c.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	err = c.XAResource().Start(ctx, testXid(t, "gtx"), protocol.TMNoFlags)
	code, _ := xaerr.CodeOf(err)
	assert.Equal(t, xaerr.ErOutside, code)
}

func TestResourceRecover(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	x1, x2 := testXid(t, "one"), testXid(t, "two")
	s.gids = []string{EncodeGID(x1), "created_by_hand", EncodeGID(x2)}
	r := c.XAResource()

	xids, err := r.Recover(ctx, protocol.TMStartRScan)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Xid{x1, x2}, xids)

	n := len(s.stmts)
	xids, err = r.Recover(ctx, protocol.TMEndRScan)
	require.NoError(t, err)
	assert.Empty(t, xids)
	assert.Len(t, s.stmts, n)
}

func TestResourceRollbackUnknownPrepared(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	s.errs["ROLLBACK PREPARED"] = &pgconn.PgError{Code: "42704", Message: "prepared transaction does not exist"}

	err := c.XAResource().Rollback(ctx, testXid(t, "gone"))
	assert.ErrorIs(t, err, xaerr.ErrUnknownBranch)
}

func TestResourceNegativeTimeout(t *testing.T) {
	c, _ := newTestConn(t)
	ok, err := c.XAResource().SetTransactionTimeout(-time.Second)
	assert.False(t, ok)
	code, _ := xaerr.CodeOf(err)
	assert.Equal(t, xaerr.ErInval, code)
}

func TestParticipantOverSession(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	p := participant.New(c, participant.WithLogger(zaptest.NewLogger(t)))
	res := p.TwoPhaseResource(c.XAResource())
	xid := testXid(t, "gtx")

	require.NoError(t, res.Start(ctx, xid, protocol.TMNoFlags))
	_, err := c.Exec(ctx, "INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, res.End(ctx, xid, protocol.TMSuccess))
	_, err = res.Prepare(ctx, xid)
	require.NoError(t, err)
	require.NoError(t, res.Commit(ctx, xid, false))

	assert.Equal(t, protocol.StateIdle, p.State())
	ac, err := c.AutoCommit(ctx)
	require.NoError(t, err)
	assert.True(t, ac)
	assert.Equal(t, "COMMIT PREPARED '"+EncodeGID(xid)+"'", s.stmts[len(s.stmts)-1])

	// a local transaction now runs on the same session
	tx := p.LocalTransaction()
	require.NoError(t, tx.Begin(ctx))
	_, err = c.Exec(ctx, "INSERT INTO t VALUES (2)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"BEGIN", "INSERT INTO t VALUES (2)", "COMMIT"}, s.stmts[len(s.stmts)-3:])
}

func TestConnClose(t *testing.T) {
	c, s := newTestConn(t)
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, s.closed)
}

func TestConnectBeforeConnectHook(t *testing.T) {
	refused := errors.New("refused")
	_, err := Connect(context.Background(), "postgres://u:p@127.0.0.1:1/db",
		WithBeforeConnect(func(ctx context.Context) error { return refused }))
	assert.ErrorIs(t, err, refused)
}

func TestParticipantRollbackAfterFailedPrepare(t *testing.T) {
	cases := map[string]struct {
		endFlags protocol.Flags
		errs     map[string]error
	}{
		"ended with TMFAIL": {endFlags: protocol.TMFail},
		"prepare rejected": {
			endFlags: protocol.TMSuccess,
			errs:     map[string]error{"PREPARE TRANSACTION": &pgconn.PgError{Code: "23505"}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, s := newTestConn(t)
			for prefix, err := range tc.errs {
				s.errs[prefix] = err
			}
			// the server has no prepared transaction to roll back
			s.errs["ROLLBACK PREPARED"] = &pgconn.PgError{Code: "42704"}

			p := participant.New(c, participant.WithLogger(zaptest.NewLogger(t)))
			res := p.TwoPhaseResource(c.XAResource())
			xid := testXid(t, "gtx")

			require.NoError(t, res.Start(ctx, xid, protocol.TMNoFlags))
			require.NoError(t, res.End(ctx, xid, tc.endFlags))
			_, err := res.Prepare(ctx, xid)
			require.Error(t, err)
			assert.True(t, xaerr.IsRollback(err), "got %v", err)

			require.NoError(t, res.Rollback(ctx, xid))
			assert.Equal(t, protocol.StateIdle, p.State())
			_, bound := p.BoundXid()
			assert.False(t, bound)
			assert.NotContains(t, s.stmts, "ROLLBACK PREPARED '"+EncodeGID(xid)+"'")

			// the connection takes a new branch
			next := testXid(t, "gtx-2")
			require.NoError(t, res.Start(ctx, next, protocol.TMNoFlags))
			require.NoError(t, res.End(ctx, next, protocol.TMSuccess))
			require.NoError(t, res.Rollback(ctx, next))
			assert.Equal(t, protocol.StateIdle, p.State())
		})
	}
}

func TestResourceCommitAfterFailedPrepare(t *testing.T) {
	ctx := context.Background()
	c, s := newTestConn(t)
	r := c.XAResource()
	xid := testXid(t, "gtx")

	require.NoError(t, r.Start(ctx, xid, protocol.TMNoFlags))
	require.NoError(t, r.End(ctx, xid, protocol.TMFail))
	_, err := r.Prepare(ctx, xid)
	require.Error(t, err)

	err = r.Commit(ctx, xid, false)
	assert.ErrorIs(t, err, xaerr.ErrRolledBack)
	assert.NotContains(t, s.stmts, "COMMIT PREPARED '"+EncodeGID(xid)+"'")
}
