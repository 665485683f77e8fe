package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/recovery"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDecideRecordsOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.enc")
	xid, err := protocol.NewXid(4660, []byte("global-1"), []byte("b1"))
	require.NoError(t, err)

	out, err := run(t, "decide", xid.String(), "commit", "--decision-log", path, "--decision-key", "secret")
	require.NoError(t, err)

	var req protocol.DecisionRequest
	require.NoError(t, json.Unmarshal([]byte(out), &req))
	assert.Equal(t, xid.String(), req.Xid)
	assert.Equal(t, "commit", req.Outcome)

	log := recovery.NewDecisionLog(path, "secret")
	require.NoError(t, log.Load())
	outcome, ok := log.Lookup(xid)
	require.True(t, ok)
	assert.Equal(t, recovery.OutcomeCommit, outcome)
}

func TestDecideRequiresKey(t *testing.T) {
	t.Setenv("XA_DECISION_KEY", "")
	t.Setenv("XARECOVER_DECISION_KEY", "")
	xid, err := protocol.NewXid(1, []byte("g"), nil)
	require.NoError(t, err)

	_, err = run(t, "decide", xid.String(), "rollback", "--decision-log", filepath.Join(t.TempDir(), "d.enc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision-key")
}

func TestDecideRejectsBadInput(t *testing.T) {
	_, err := run(t, "decide", "not-an-xid", "commit")
	assert.Error(t, err)

	xid, err := protocol.NewXid(1, []byte("g"), nil)
	require.NoError(t, err)
	_, err = run(t, "decide", xid.String(), "maybe")
	assert.Error(t, err)
}

func TestScanRequiresDSN(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("XARECOVER_DSN", "")

	_, err := run(t, "scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestUnknownLogFormat(t *testing.T) {
	_, err := run(t, "--log-format", "xml", "scan")
	assert.Error(t, err)
}

func TestWatchRejectsNonPositiveInterval(t *testing.T) {
	_, err := run(t, "watch", "--interval", "0s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "", maskDSN(""))
	assert.Equal(t, "postgres://db:5432/orders", maskDSN("postgres://db:5432/orders"))

	masked := maskDSN("postgres://app:s3cret@db:5432/orders")
	assert.NotContains(t, masked, "s3cret")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/orders")

	assert.Equal(t, "host=db user=app password=****", maskDSN("host=db user=app password=s3cret"))
	assert.Equal(t, "host=db dbname=orders", maskDSN("host=db dbname=orders"))
}

func TestStatusRequiresAddr(t *testing.T) {
	_, err := run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--addr")
}
