package custody

import (
	"errors"
	"fmt"
)

// ProgramError is a custody failure with a stable numeric code.
// Sentinels are compared with errors.Is; errors.As recovers the code.
type ProgramError struct {
	Code uint32
	Name string
	Msg  string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("custody error %d (%s): %s", e.Code, e.Name, e.Msg)
}

func newError(code uint32, name, msg string) *ProgramError {
	return &ProgramError{Code: code, Name: name, Msg: msg}
}

// Framework-level errors.
var (
	ErrInvalidInstruction         = newError(102, "InstructionDidNotDeserialize", "instruction data could not be decoded")
	ErrNotEnoughAccounts          = newError(3005, "AccountNotEnoughKeys", "not enough account keys given to the instruction")
	ErrSeedsConstraint            = newError(2006, "ConstraintSeeds", "account address does not match its derivation")
	ErrAccountDidNotDeserialize   = newError(3003, "AccountDidNotDeserialize", "account data could not be decoded")
	ErrAccountOwnedByWrongProgram = newError(3007, "AccountOwnedByWrongProgram", "account is not owned by the expected program")
	ErrMissingSignature           = newError(3010, "AccountNotSigner", "a required signature is missing")
	ErrAccountNotInitialized      = newError(3012, "AccountNotInitialized", "a required account does not exist")
)

// Custody errors.
var (
	ErrAmountTooLarge          = newError(6000, "AmountTooLarge", "user can't unstake amount more than locked balance")
	ErrAlreadyInitialized      = newError(6001, "AlreadyInitialized", "record already exists")
	ErrAuthorityNotInitialized = newError(6002, "AuthorityNotInitialized", "authority record is not initialized")
	ErrAssetMismatch           = newError(6003, "AssetMismatch", "token accounts do not hold the same asset")
	ErrTransferFailed          = newError(6004, "TransferFailed", "token transfer was rejected")
	ErrInvalidNonce            = newError(6005, "InvalidNonce", "nonce does not derive a valid signer identity")
	ErrLedgerNotInitialized    = newError(6006, "LedgerNotInitialized", "ledger record does not exist")
	ErrArithmeticOverflow      = newError(6007, "ArithmeticOverflow", "locked amount would overflow")
	ErrPoolAuthorityMismatch   = newError(6008, "PoolAuthorityMismatch", "pool is not controlled by the authority")
)

// Errors lists every program error, for code lookup.
var Errors = []*ProgramError{
	ErrInvalidInstruction,
	ErrNotEnoughAccounts,
	ErrSeedsConstraint,
	ErrAccountDidNotDeserialize,
	ErrAccountOwnedByWrongProgram,
	ErrMissingSignature,
	ErrAccountNotInitialized,
	ErrAmountTooLarge,
	ErrAlreadyInitialized,
	ErrAuthorityNotInitialized,
	ErrAssetMismatch,
	ErrTransferFailed,
	ErrInvalidNonce,
	ErrLedgerNotInitialized,
	ErrArithmeticOverflow,
	ErrPoolAuthorityMismatch,
}

// AsProgramError returns the program error in err's chain, if any.
func AsProgramError(err error) (*ProgramError, bool) {
	var pe *ProgramError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
