// Package xaerr defines the error taxonomy shared by the transaction participant
// and its native resource managers.
package xaerr

import (
	"errors"
	"fmt"
)

// Code is an XA return code
type Code int

const (
	// Rollback class: the branch has been (or must be) rolled back.
	RBRollback  Code = 100
	RBCommFail  Code = 101
	RBDeadlock  Code = 102
	RBIntegrity Code = 103
	RBOther     Code = 104
	RBProto     Code = 105
	RBTimeout   Code = 106
	RBTransient Code = 107

	// Heuristic class: the resource manager decided on its own.
	HeurMix    Code = 5
	HeurRB     Code = 6
	HeurCom    Code = 7
	HeurHazard Code = 8

	ReadOnly Code = 3

	ErAsync    Code = -2
	ErRMErr    Code = -3
	ErNotA     Code = -4
	ErInval    Code = -5
	ErProto    Code = -6
	ErRMFail   Code = -7
	ErDupID    Code = -8
	ErOutside  Code = -9
	codeNoCode Code = 0
)

var codeNames = map[Code]string{
	RBRollback:  "XA_RBROLLBACK",
	RBCommFail:  "XA_RBCOMMFAIL",
	RBDeadlock:  "XA_RBDEADLOCK",
	RBIntegrity: "XA_RBINTEGRITY",
	RBOther:     "XA_RBOTHER",
	RBProto:     "XA_RBPROTO",
	RBTimeout:   "XA_RBTIMEOUT",
	RBTransient: "XA_RBTRANSIENT",
	HeurMix:     "XA_HEURMIX",
	HeurRB:      "XA_HEURRB",
	HeurCom:     "XA_HEURCOM",
	HeurHazard:  "XA_HEURHAZ",
	ReadOnly:    "XA_RDONLY",
	ErAsync:     "XAER_ASYNC",
	ErRMErr:     "XAER_RMERR",
	ErNotA:      "XAER_NOTA",
	ErInval:     "XAER_INVAL",
	ErProto:     "XAER_PROTO",
	ErRMFail:    "XAER_RMFAIL",
	ErDupID:     "XAER_DUPID",
	ErOutside:   "XAER_OUTSIDE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// IsRollback reports whether c belongs to the rollback class.
func (c Code) IsRollback() bool {
	return c >= RBRollback && c <= RBTransient
}

// IsHeuristic reports whether c signals a heuristic outcome.
func (c Code) IsHeuristic() bool {
	return c >= HeurMix && c <= HeurHazard
}

// Kind classifies where an error came from.
type Kind int

const (
	// KindProtocolViolation is a call that is wrong for the current state. No
	// physical action was attempted.
	KindProtocolViolation Kind = iota + 1
	// KindResourceManagerFailure is a failed native call.
	KindResourceManagerFailure
	// KindHeuristicOutcome is a branch the resource manager resolved unilaterally.
	KindHeuristicOutcome
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol violation"
	case KindResourceManagerFailure:
		return "resource manager failure"
	case KindHeuristicOutcome:
		return "heuristic outcome"
	}
	return "unknown"
}

// Error is returned by every participant and native resource operation.
type Error struct {
	Code Code
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", msg, e.Code, e.Err)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Msg == "" && t.Err == nil
}

var (
	ErrUnknownBranch = &Error{Code: ErNotA, Kind: KindProtocolViolation}
	ErrProtocol      = &Error{Code: ErProto, Kind: KindProtocolViolation}
	ErrRollbackProto = &Error{Code: RBProto, Kind: KindProtocolViolation}
	ErrRolledBack    = &Error{Code: RBRollback, Kind: KindProtocolViolation}
	ErrRMFail        = &Error{Code: ErRMFail, Kind: KindResourceManagerFailure}
	ErrRMErr         = &Error{Code: ErRMErr, Kind: KindResourceManagerFailure}
)

// ErrBranchBusy is the cause of an XAER_NOTA raised because the connection is
// bound to a different branch. The resource manager was never asked about the
// Xid, so the branch may still exist there.
var ErrBranchBusy = errors.New("connection bound to another branch")

// New returns an *Error with kind derived from code.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kindOf(code), Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error with kind derived from code wrapping cause.
func Wrap(code Code, op string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kindOf(code), Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Protocol reports a call that is invalid for the current state.
func Protocol(op, format string, args ...any) *Error {
	return &Error{Code: ErProto, Kind: KindProtocolViolation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// UnknownBranch reports an Xid that does not match the bound branch.
func UnknownBranch(op, format string, args ...any) *Error {
	return &Error{Code: ErNotA, Kind: KindProtocolViolation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// RollbackProtocol reports a protocol violation that forces the branch to roll back.
func RollbackProtocol(code Code, op string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindProtocolViolation, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// RMFail reports a failed native call.
func RMFail(op string, cause error, format string, args ...any) *Error {
	return &Error{Code: ErRMFail, Kind: KindResourceManagerFailure, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf extracts the XA code carried by err.
func CodeOf(err error) (Code, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return codeNoCode, false
}

// IsRollback reports whether err carries a rollback-class code.
func IsRollback(err error) bool {
	c, ok := CodeOf(err)
	return ok && c.IsRollback()
}

// IsHeuristic reports whether err carries a heuristic code.
func IsHeuristic(err error) bool {
	c, ok := CodeOf(err)
	return ok && c.IsHeuristic()
}

// KindOf returns the kind of err, treating foreign errors as resource manager
// failures.
func KindOf(err error) Kind {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return KindResourceManagerFailure
}

func kindOf(c Code) Kind {
	switch {
	case c.IsHeuristic():
		return KindHeuristicOutcome
	case c == ErNotA, c == ErProto, c == ErInval, c == ErDupID, c == ErOutside, c == RBProto:
		return KindProtocolViolation
	}
	return KindResourceManagerFailure
}
