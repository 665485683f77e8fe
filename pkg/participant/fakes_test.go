package participant

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
)

type fakeConn struct {
	mu         sync.Mutex
	autoCommit bool
	calls      []string
	closed     bool

	commitErr        error
	rollbackErr      error
	setAutoCommitErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{autoCommit: true}
}

func (c *fakeConn) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeConn) AutoCommit(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, nil
}

func (c *fakeConn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.record("autocommit:on")
	} else {
		c.record("autocommit:off")
	}
	if c.setAutoCommitErr != nil {
		return c.setAutoCommitErr
	}
	c.autoCommit = on
	return nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("commit")
	return c.commitErr
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("rollback")
	return c.rollbackErr
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeNative records calls and turns autocommit off on start like a real
// resource manager would.
type fakeNative struct {
	conn  *fakeConn
	calls []string

	startErr    error
	endErr      error
	prepareErr  error
	commitErr   error
	rollbackErr error
	forgetErr   error
	recoverErr  error

	vote      protocol.Vote
	recovered []protocol.Xid
	timeout   time.Duration
	rm        string
}

func newFakeNative(conn *fakeConn) *fakeNative {
	return &fakeNative{conn: conn, vote: protocol.VoteOK, rm: "rm-1"}
}

func (n *fakeNative) Start(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error {
	n.calls = append(n.calls, "start:"+flags.String())
	if n.startErr != nil {
		return n.startErr
	}
	n.conn.mu.Lock()
	n.conn.autoCommit = false
	n.conn.mu.Unlock()
	return nil
}

func (n *fakeNative) End(ctx context.Context, xid protocol.Xid, flags protocol.Flags) error {
	n.calls = append(n.calls, "end:"+flags.String())
	return n.endErr
}

func (n *fakeNative) Prepare(ctx context.Context, xid protocol.Xid) (protocol.Vote, error) {
	n.calls = append(n.calls, "prepare")
	if n.prepareErr != nil {
		return "", n.prepareErr
	}
	return n.vote, nil
}

func (n *fakeNative) Commit(ctx context.Context, xid protocol.Xid, onePhase bool) error {
	if onePhase {
		n.calls = append(n.calls, "commit:1pc")
	} else {
		n.calls = append(n.calls, "commit")
	}
	return n.commitErr
}

func (n *fakeNative) Rollback(ctx context.Context, xid protocol.Xid) error {
	n.calls = append(n.calls, "rollback")
	return n.rollbackErr
}

func (n *fakeNative) Forget(ctx context.Context, xid protocol.Xid) error {
	n.calls = append(n.calls, "forget")
	return n.forgetErr
}

func (n *fakeNative) Recover(ctx context.Context, flags protocol.Flags) ([]protocol.Xid, error) {
	n.calls = append(n.calls, "recover:"+flags.String())
	return n.recovered, n.recoverErr
}

func (n *fakeNative) IsSameRM(other NativeResource) bool {
	o, ok := other.(*fakeNative)
	return ok && o.rm == n.rm
}

func (n *fakeNative) TransactionTimeout() (time.Duration, error) {
	return n.timeout, nil
}

func (n *fakeNative) SetTransactionTimeout(d time.Duration) (bool, error) {
	n.timeout = d
	return true, nil
}

func newTestParticipant(t *testing.T, opts ...Option) (*Participant, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(conn, opts...), conn
}

func testXid(t *testing.T, gtrid string) protocol.Xid {
	t.Helper()
	xid, err := protocol.NewXid(1, []byte(gtrid), []byte("branch"))
	require.NoError(t, err)
	return xid
}
