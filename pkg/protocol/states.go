package protocol

// TxState represents the transaction state of one pooled connection
type TxState string

const (
	StateIdle           TxState = "IDLE"
	StateLocalActive    TxState = "LOCAL_ACTIVE"
	StateXaStarted      TxState = "XA_STARTED"
	StateXaEnded        TxState = "XA_ENDED"
	StateXaEndedFailed  TxState = "XA_ENDED_FAILED"
	StateXaCommitted    TxState = "XA_COMMITTED"
	StateXaRolledBack   TxState = "XA_ROLLED_BACK"
	StateXaReadOnly     TxState = "XA_READ_ONLY"
	StateXaRecovering   TxState = "XA_RECOVERING"
	StateXaForgotten    TxState = "XA_FORGOTTEN"
	StateHeuristicEnded TxState = "HEURISTIC_ENDED"
)

// States lists every TxState value.
var States = []TxState{
	StateIdle,
	StateLocalActive,
	StateXaStarted,
	StateXaEnded,
	StateXaEndedFailed,
	StateXaCommitted,
	StateXaRolledBack,
	StateXaReadOnly,
	StateXaRecovering,
	StateXaForgotten,
	StateHeuristicEnded,
}

// Quiescent reports whether no transaction work is pending in this state.
// XaCommitted, XaRolledBack and XaForgotten are settling states entered after a
// successful physical operation whose bookkeeping has not finished yet.
func (s TxState) Quiescent() bool {
	switch s {
	case StateIdle, StateXaRecovering, StateXaCommitted, StateXaRolledBack, StateXaForgotten:
		return true
	}
	return false
}

// Operation is a request a caller may attempt against a connection
type Operation string

const (
	OpLocalBegin    Operation = "LOCAL_BEGIN"
	OpLocalCommit   Operation = "LOCAL_COMMIT"
	OpLocalRollback Operation = "LOCAL_ROLLBACK"
	OpXaStart       Operation = "XA_START"
	OpXaEnd         Operation = "XA_END"
	OpXaEndFail     Operation = "XA_END_FAIL"
	OpXaPrepare     Operation = "XA_PREPARE"
	OpXaCommit      Operation = "XA_COMMIT"
	OpXaRollback    Operation = "XA_ROLLBACK"
	OpXaForget      Operation = "XA_FORGET"
	OpXaRecover     Operation = "XA_RECOVER"
)

// Operations lists every Operation value.
var Operations = []Operation{
	OpLocalBegin,
	OpLocalCommit,
	OpLocalRollback,
	OpXaStart,
	OpXaEnd,
	OpXaEndFail,
	OpXaPrepare,
	OpXaCommit,
	OpXaRollback,
	OpXaForget,
	OpXaRecover,
}

// Vote is the result of the prepare phase
type Vote string

const (
	VoteOK       Vote = "XA_OK"
	VoteReadOnly Vote = "XA_RDONLY"
)
