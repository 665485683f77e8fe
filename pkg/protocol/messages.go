package protocol

import "time"

// InDoubtRecord describes one prepared branch found by a recovery scan
type InDoubtRecord struct {
	Token    uint64 `json:"token"`
	Xid      string `json:"xid"`
	FormatID int32  `json:"format_id"`
	Gtrid    []byte `json:"gtrid"`
	Bqual    []byte `json:"bqual"`
	Decision string `json:"decision,omitempty"`
}

// NewInDoubtRecord builds the record for xid found by the resource with token.
func NewInDoubtRecord(token uint64, xid Xid) InDoubtRecord {
	return InDoubtRecord{
		Token:    token,
		Xid:      xid.String(),
		FormatID: xid.FormatID(),
		Gtrid:    xid.GlobalTransactionID(),
		Bqual:    xid.BranchQualifier(),
	}
}

// ScanResponse is printed by the recovery scan
type ScanResponse struct {
	Resource  string          `json:"resource"`
	InDoubt   []InDoubtRecord `json:"in_doubt"`
	Generated time.Time       `json:"generated_at"`
}

// ResolveResponse summarizes one resolution pass
type ResolveResponse struct {
	Committed  []string  `json:"committed"`
	RolledBack []string  `json:"rolled_back"`
	Forgotten  []string  `json:"forgotten"`
	Pending    []string  `json:"pending"`
	Errors     []string  `json:"errors,omitempty"`
	Generated  time.Time `json:"generated_at"`
}

// DecisionRequest records a transaction manager outcome for an in-doubt branch
type DecisionRequest struct {
	Xid     string `json:"xid"`
	Outcome string `json:"outcome"`
}

// DecisionResponse acknowledges a DecisionRequest
type DecisionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is returned by the admin health endpoint
type HealthResponse struct {
	Status    string `json:"status"`
	Address   string `json:"address"`
	Resources int    `json:"resources"`
}
