// Package state holds the transaction state of one connection and the table of
// legal transitions between states.
package state

import (
	"github.com/baxromumarov/xa-participant/pkg/protocol"
	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

// Outcome selects between the result variants of one operation.
type Outcome int

const (
	// Done is the ordinary result of an operation.
	Done Outcome = iota
	// ReadOnly is a prepare that voted read-only.
	ReadOnly
	// Empty is a recover scan that found nothing.
	Empty
	// Heuristic is the internal forget issued after a heuristic outcome.
	Heuristic
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case ReadOnly:
		return "read-only"
	case Empty:
		return "empty"
	case Heuristic:
		return "heuristic"
	}
	return "unknown"
}

type key struct {
	from    protocol.TxState
	op      protocol.Operation
	outcome Outcome
}

// unchanged marks a transition that keeps the current state.
const unchanged protocol.TxState = ""

type transition struct {
	from    []protocol.TxState
	op      protocol.Operation
	outcome Outcome
	to      protocol.TxState
}

var (
	quiescent = []protocol.TxState{
		protocol.StateIdle,
		protocol.StateXaRecovering,
		protocol.StateXaCommitted,
		protocol.StateXaRolledBack,
		protocol.StateXaForgotten,
	}
	ended = []protocol.TxState{protocol.StateXaEnded, protocol.StateXaEndedFailed}
	// busy states own work a recover scan must not disturb
	busy = []protocol.TxState{
		protocol.StateLocalActive,
		protocol.StateXaStarted,
		protocol.StateXaEnded,
		protocol.StateXaEndedFailed,
		protocol.StateXaReadOnly,
		protocol.StateHeuristicEnded,
	}
)

func with(states []protocol.TxState, more ...protocol.TxState) []protocol.TxState {
	out := make([]protocol.TxState, 0, len(states)+len(more))
	out = append(out, states...)
	return append(out, more...)
}

// transitions is the complete table. Anything not listed is invalid.
var transitions = []transition{
	{with(quiescent, protocol.StateXaReadOnly), protocol.OpLocalBegin, Done, protocol.StateLocalActive},
	{with(quiescent, protocol.StateXaReadOnly), protocol.OpXaStart, Done, protocol.StateXaStarted},
	{[]protocol.TxState{protocol.StateXaEnded}, protocol.OpXaStart, Done, protocol.StateXaStarted},

	{[]protocol.TxState{protocol.StateLocalActive}, protocol.OpLocalCommit, Done, protocol.StateIdle},
	{[]protocol.TxState{protocol.StateLocalActive}, protocol.OpLocalRollback, Done, protocol.StateIdle},

	{[]protocol.TxState{protocol.StateXaStarted}, protocol.OpXaEnd, Done, protocol.StateXaEnded},
	{[]protocol.TxState{protocol.StateXaStarted}, protocol.OpXaEndFail, Done, protocol.StateXaEndedFailed},

	{ended, protocol.OpXaPrepare, Done, unchanged},
	{ended, protocol.OpXaPrepare, ReadOnly, protocol.StateXaReadOnly},

	{with(ended, protocol.StateXaReadOnly), protocol.OpXaCommit, Done, protocol.StateIdle},
	{with(ended, protocol.StateXaReadOnly), protocol.OpXaRollback, Done, protocol.StateIdle},

	// recovery bypass: no branch bound, the TM resolves an in-doubt Xid
	{quiescent, protocol.OpXaCommit, Done, protocol.StateIdle},
	{quiescent, protocol.OpXaRollback, Done, protocol.StateIdle},
	{quiescent, protocol.OpXaForget, Done, protocol.StateIdle},

	{with(with(ended, protocol.StateXaReadOnly), quiescent...), protocol.OpXaForget, Heuristic, protocol.StateHeuristicEnded},
	{[]protocol.TxState{protocol.StateHeuristicEnded}, protocol.OpXaForget, Done, protocol.StateIdle},

	// recover reports on the whole resource manager; only an idle
	// connection switches to recovering
	{quiescent, protocol.OpXaRecover, Done, protocol.StateXaRecovering},
	{busy, protocol.OpXaRecover, Done, unchanged},
	{protocol.States, protocol.OpXaRecover, Empty, unchanged},
}

var table = buildTable()

func buildTable() map[key]protocol.TxState {
	t := make(map[key]protocol.TxState)
	for _, tr := range transitions {
		for _, from := range tr.from {
			k := key{from: from, op: tr.op, outcome: tr.outcome}
			if _, dup := t[k]; dup {
				panic("state: duplicate transition " + string(from) + " " + string(tr.op))
			}
			t[k] = tr.to
		}
	}
	return t
}

// Manager holds the current state of one connection. It is not safe for
// concurrent use; the owning participant serializes access.
type Manager struct {
	state protocol.TxState
}

// NewManager returns a Manager in the Idle state.
func NewManager() *Manager {
	return &Manager{state: protocol.StateIdle}
}

// State returns the current state.
func (m *Manager) State() protocol.TxState {
	return m.state
}

// IsValid reports whether op may be attempted from the current state. It
// returns nil when legal and a protocol error otherwise. It never mutates.
func (m *Manager) IsValid(op protocol.Operation) error {
	if _, ok := table[key{from: m.state, op: op, outcome: Done}]; ok {
		return nil
	}
	return m.violation(op)
}

// Next returns the state that op with outcome leads to, without mutating.
func (m *Manager) Next(op protocol.Operation, outcome Outcome) (protocol.TxState, error) {
	to, ok := table[key{from: m.state, op: op, outcome: outcome}]
	if !ok {
		return m.state, xaerr.Protocol(string(op), "no %s transition from state %s", outcome, m.state)
	}
	if to == unchanged {
		return m.state, nil
	}
	return to, nil
}

// Apply moves to the state op with outcome leads to.
func (m *Manager) Apply(op protocol.Operation, outcome Outcome) error {
	to, err := m.Next(op, outcome)
	if err != nil {
		return err
	}
	m.state = to
	return nil
}

// SetState sets the state directly. Callers use it only after the physical
// action behind the change has succeeded.
func (m *Manager) SetState(s protocol.TxState) {
	m.state = s
}

func (m *Manager) violation(op protocol.Operation) error {
	switch op {
	case protocol.OpLocalBegin, protocol.OpXaStart:
		if !m.state.Quiescent() {
			return xaerr.Protocol(string(op), "transaction already active (state %s)", m.state)
		}
	case protocol.OpLocalCommit, protocol.OpLocalRollback:
		return xaerr.Protocol(string(op), "no local transaction active (state %s)", m.state)
	}
	return xaerr.Protocol(string(op), "operation not valid in state %s", m.state)
}

// Allowed lists the operations valid from s.
func Allowed(s protocol.TxState) []protocol.Operation {
	var ops []protocol.Operation
	for _, op := range protocol.Operations {
		if _, ok := table[key{from: s, op: op, outcome: Done}]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}
