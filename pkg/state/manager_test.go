package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

func TestNewManagerStartsIdle(t *testing.T) {
	m := NewManager()
	assert.Equal(t, protocol.StateIdle, m.State())
}

func TestLocalCycle(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.IsValid(protocol.OpLocalBegin))
	require.NoError(t, m.Apply(protocol.OpLocalBegin, Done))
	assert.Equal(t, protocol.StateLocalActive, m.State())

	err := m.IsValid(protocol.OpLocalBegin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
	assert.True(t, errors.Is(err, xaerr.ErrProtocol))
	assert.Equal(t, protocol.StateLocalActive, m.State())

	assert.Error(t, m.IsValid(protocol.OpXaStart))

	require.NoError(t, m.Apply(protocol.OpLocalCommit, Done))
	assert.Equal(t, protocol.StateIdle, m.State())
}

func TestXaCycle(t *testing.T) {
	m := NewManager()

	steps := []struct {
		op      protocol.Operation
		outcome Outcome
		want    protocol.TxState
	}{
		{protocol.OpXaStart, Done, protocol.StateXaStarted},
		{protocol.OpXaEnd, Done, protocol.StateXaEnded},
		{protocol.OpXaPrepare, Done, protocol.StateXaEnded},
		{protocol.OpXaCommit, Done, protocol.StateIdle},
	}
	for _, s := range steps {
		require.NoError(t, m.IsValid(s.op), s.op)
		require.NoError(t, m.Apply(s.op, s.outcome), s.op)
		assert.Equal(t, s.want, m.State(), s.op)
	}
}

func TestEndFailThenRollback(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Apply(protocol.OpXaStart, Done))
	require.NoError(t, m.Apply(protocol.OpXaEndFail, Done))
	assert.Equal(t, protocol.StateXaEndedFailed, m.State())

	// a failed branch cannot be resumed
	assert.Error(t, m.IsValid(protocol.OpXaStart))

	require.NoError(t, m.Apply(protocol.OpXaRollback, Done))
	assert.Equal(t, protocol.StateIdle, m.State())
}

func TestReadOnlyPrepare(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Apply(protocol.OpXaStart, Done))
	require.NoError(t, m.Apply(protocol.OpXaEnd, Done))
	require.NoError(t, m.Apply(protocol.OpXaPrepare, ReadOnly))
	assert.Equal(t, protocol.StateXaReadOnly, m.State())

	assert.Error(t, m.IsValid(protocol.OpXaPrepare))
	require.NoError(t, m.Apply(protocol.OpXaCommit, Done))
	assert.Equal(t, protocol.StateIdle, m.State())
}

func TestRecoverOutcomes(t *testing.T) {
	for _, s := range protocol.States {
		m := NewManager()
		m.SetState(s)

		require.NoError(t, m.IsValid(protocol.OpXaRecover), s)
		require.NoError(t, m.Apply(protocol.OpXaRecover, Empty), s)
		assert.Equal(t, s, m.State(), "empty recover must not change %s", s)

		require.NoError(t, m.Apply(protocol.OpXaRecover, Done), s)
		if s.Quiescent() {
			assert.Equal(t, protocol.StateXaRecovering, m.State())
		} else {
			assert.Equal(t, s, m.State(), "recover must not disturb %s", s)
		}
	}
}

func TestRecoverKeepsOpenTransaction(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Apply(protocol.OpXaStart, Done))
	require.NoError(t, m.Apply(protocol.OpXaRecover, Done))
	assert.Equal(t, protocol.StateXaStarted, m.State())
	require.NoError(t, m.IsValid(protocol.OpXaEnd))
	assert.Error(t, m.IsValid(protocol.OpXaStart))

	m = NewManager()
	require.NoError(t, m.Apply(protocol.OpLocalBegin, Done))
	require.NoError(t, m.Apply(protocol.OpXaRecover, Done))
	assert.Equal(t, protocol.StateLocalActive, m.State())
	assert.Error(t, m.IsValid(protocol.OpLocalBegin))
}

func TestHeuristicForget(t *testing.T) {
	m := NewManager()
	m.SetState(protocol.StateXaEnded)

	require.NoError(t, m.Apply(protocol.OpXaForget, Heuristic))
	assert.Equal(t, protocol.StateHeuristicEnded, m.State())

	assert.Error(t, m.IsValid(protocol.OpXaCommit))
	require.NoError(t, m.IsValid(protocol.OpXaForget))
	require.NoError(t, m.Apply(protocol.OpXaForget, Done))
	assert.Equal(t, protocol.StateIdle, m.State())
}

func TestRecoveryBypassFromQuiescentStates(t *testing.T) {
	for _, s := range protocol.States {
		if !s.Quiescent() {
			continue
		}
		m := NewManager()
		m.SetState(s)
		for _, op := range []protocol.Operation{protocol.OpXaCommit, protocol.OpXaRollback, protocol.OpXaForget} {
			assert.NoError(t, m.IsValid(op), "%s from %s", op, s)
		}
	}
}

func TestInvalidTransitionDoesNotMutate(t *testing.T) {
	m := NewManager()
	m.SetState(protocol.StateXaStarted)

	err := m.Apply(protocol.OpXaCommit, Done)
	require.Error(t, err)
	assert.Equal(t, protocol.StateXaStarted, m.State())

	_, err = m.Next(protocol.OpXaPrepare, ReadOnly)
	assert.Error(t, err)
}

// Every state/operation pair is either in the table or rejected with a
// protocol error, and the local/global exclusivity holds for all of them.
func TestTableIsExhaustive(t *testing.T) {
	for _, s := range protocol.States {
		for _, op := range protocol.Operations {
			m := NewManager()
			m.SetState(s)

			err := m.IsValid(op)
			if err != nil {
				code, ok := xaerr.CodeOf(err)
				require.True(t, ok)
				assert.Equal(t, xaerr.ErProto, code, "%s from %s", op, s)
				continue
			}
			next, err := m.Next(op, Done)
			require.NoError(t, err)
			assert.Contains(t, protocol.States, next)
			assert.Equal(t, s, m.State(), "Next must not mutate")
		}

		// local and global work never overlap
		if s == protocol.StateLocalActive {
			assert.Error(t, managerIn(s).IsValid(protocol.OpXaStart))
		}
		if !s.Quiescent() && s != protocol.StateXaReadOnly {
			assert.Error(t, managerIn(s).IsValid(protocol.OpLocalBegin), s)
		}
	}
}

func TestAllowed(t *testing.T) {
	assert.ElementsMatch(t,
		[]protocol.Operation{protocol.OpXaEnd, protocol.OpXaEndFail, protocol.OpXaRecover},
		Allowed(protocol.StateXaStarted))
	assert.ElementsMatch(t,
		[]protocol.Operation{protocol.OpLocalCommit, protocol.OpLocalRollback, protocol.OpXaRecover},
		Allowed(protocol.StateLocalActive))
}

func managerIn(s protocol.TxState) *Manager {
	m := NewManager()
	m.SetState(s)
	return m
}
