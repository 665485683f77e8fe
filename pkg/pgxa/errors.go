package pgxa

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/baxromumarov/xa-participant/pkg/xaerr"
)

const (
	sqlstateUndefinedObject      = "42704"
	sqlstateDeadlockDetected     = "40P01"
	sqlstateInFailedTransaction  = "25P02"
	sqlstateQueryCanceled        = "57014"
	sqlstateObjectInUse          = "55006"
	sqlstateDuplicatePrepared    = "42710"
	classTransactionRollback     = "40"
	classIntegrityViolation      = "23"
	classConnectionException     = "08"
	classInsufficientResources   = "53"
	classInvalidTransactionState = "25"
)

// mapError converts a driver error into an XA error. Server errors are
// classified by SQLSTATE; anything else means the session is unusable.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return xaerr.RMFail(op, err, "driver error")
	}

	code := pgErr.Code
	switch {
	case code == sqlstateUndefinedObject:
		return xaerr.Wrap(xaerr.ErNotA, op, err, "unknown prepared transaction")
	case code == sqlstateDuplicatePrepared:
		return xaerr.Wrap(xaerr.ErDupID, op, err, "prepared transaction already exists")
	case code == sqlstateObjectInUse:
		return xaerr.Wrap(xaerr.ErProto, op, err, "prepared transaction busy")
	case code == sqlstateDeadlockDetected:
		return xaerr.Wrap(xaerr.RBDeadlock, op, err, "deadlock")
	case code == sqlstateQueryCanceled:
		return xaerr.Wrap(xaerr.RBTimeout, op, err, "statement timeout")
	case code == sqlstateInFailedTransaction, strings.HasPrefix(code, classTransactionRollback):
		return xaerr.Wrap(xaerr.RBRollback, op, err, "transaction aborted")
	case strings.HasPrefix(code, classIntegrityViolation):
		return xaerr.Wrap(xaerr.RBIntegrity, op, err, "integrity violation")
	case strings.HasPrefix(code, classConnectionException), strings.HasPrefix(code, classInsufficientResources):
		return xaerr.RMFail(op, err, "server unavailable")
	case strings.HasPrefix(code, classInvalidTransactionState):
		return xaerr.Wrap(xaerr.ErProto, op, err, "invalid transaction state")
	}
	return xaerr.Wrap(xaerr.ErRMErr, op, err, "server error")
}
