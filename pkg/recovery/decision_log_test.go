package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
)

func TestDecisionLogPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "decisions.enc")
	x1, x2 := protocol.GenerateXid(), protocol.GenerateXid()

	l := NewDecisionLog(path, "secret")
	require.NoError(t, l.Record(x1, OutcomeCommit))
	require.NoError(t, l.Record(x2, OutcomeRollback))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "commit")

	reloaded := NewDecisionLog(path, "secret")
	require.NoError(t, reloaded.Load())
	outcome, ok := reloaded.Lookup(x1)
	require.True(t, ok)
	assert.Equal(t, OutcomeCommit, outcome)
	assert.Len(t, reloaded.Decisions(), 2)

	require.NoError(t, reloaded.Remove(x1))
	_, ok = reloaded.Lookup(x1)
	assert.False(t, ok)

	again := NewDecisionLog(path, "secret")
	require.NoError(t, again.Load())
	assert.Len(t, again.Decisions(), 1)
}

func TestDecisionLogWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.enc")
	require.NoError(t, NewDecisionLog(path, "secret").Record(protocol.GenerateXid(), OutcomeCommit))

	assert.Error(t, NewDecisionLog(path, "other").Load())
}

func TestDecisionLogMissingFileIsEmpty(t *testing.T) {
	l := NewDecisionLog(filepath.Join(t.TempDir(), "none.enc"), "secret")
	require.NoError(t, l.Load())
	assert.Empty(t, l.Decisions())
}

func TestNilDecisionLog(t *testing.T) {
	l := NewDecisionLog("", "secret")
	assert.Nil(t, l)

	_, ok := l.Lookup(protocol.GenerateXid())
	assert.False(t, ok)
	assert.NoError(t, l.Load())
	assert.NoError(t, l.Remove(protocol.GenerateXid()))
	assert.Error(t, l.Record(protocol.GenerateXid(), OutcomeCommit))
}

func TestParseOutcome(t *testing.T) {
	o, err := ParseOutcome("commit")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommit, o)

	_, err = ParseOutcome("maybe")
	assert.Error(t, err)
}
