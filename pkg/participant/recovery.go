package participant

import "sync/atomic"

// recoveryTokens is shared by every participant in the process.
var recoveryTokens atomic.Uint64

// RecoverableTwoPhaseResource is a TwoPhaseResource registered for recovery.
// The token is unique within the process and stable for the resource's life.
type RecoverableTwoPhaseResource struct {
	*TwoPhaseResource
	token uint64
}

// RecoveryToken identifies the resource to the transaction manager's
// recovery service.
func (r *RecoverableTwoPhaseResource) RecoveryToken() uint64 {
	return r.token
}

// RecoverableOnePhaseResource is a OnePhaseResource registered for recovery.
// Its scans always fail, but it keeps a token so registration is uniform.
type RecoverableOnePhaseResource struct {
	*OnePhaseResource
	token uint64
}

func (r *RecoverableOnePhaseResource) RecoveryToken() uint64 {
	return r.token
}

// RecoverableTwoPhaseResource returns a TwoPhaseResource with a fresh recovery token.
func (p *Participant) RecoverableTwoPhaseResource(native NativeResource) *RecoverableTwoPhaseResource {
	return &RecoverableTwoPhaseResource{
		TwoPhaseResource: p.TwoPhaseResource(native),
		token:            recoveryTokens.Add(1),
	}
}

// RecoverableOnePhaseResource returns a OnePhaseResource with a fresh recovery token.
func (p *Participant) RecoverableOnePhaseResource() *RecoverableOnePhaseResource {
	return &RecoverableOnePhaseResource{
		OnePhaseResource: p.OnePhaseResource(),
		token:            recoveryTokens.Add(1),
	}
}
