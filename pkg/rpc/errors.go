package rpc

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Custody/pkg/custody"
	"github.com/fortiblox/X1-Custody/pkg/runtime"
)

// Error codes. The -327xx/-326xx range is fixed by JSON-RPC 2.0; the
// -320xx server range follows Solana where a meaning overlaps.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// TransactionFailed: the transaction executed, a program rejected it
	// and nothing was committed. It still consumed a sequence.
	TransactionFailed                       = -32002
	TransactionSignatureVerificationFailure = -32003
	NodeUnhealthy                           = -32005

	// TransactionRejected: malformed, never executed.
	TransactionRejected = -32006

	// CustodyStateError: a query found custody state missing or invalid.
	CustodyStateError = -32020
)

var (
	ErrParseError     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError  = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
)

func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data}
}

func (e *RPCError) Error() string {
	if e.Data == nil {
		return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
}

func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// TransactionNotFoundError is returned for an unknown transaction ID.
func TransactionNotFoundError() *RPCError {
	return NewRPCError(InvalidParams, "Transaction not found")
}

// TransactionFailedError reports a transaction a program rejected.
func TransactionFailedError(res *runtime.Result) *RPCError {
	data := TransactionErrorData{
		ID:       res.ID.String(),
		Sequence: res.Sequence,
		Logs:     res.Logs,
	}
	if pe, ok := custody.AsProgramError(res.Err); ok {
		data.Code = pe.Code
		data.Name = pe.Name
	}
	return NewRPCErrorWithData(TransactionFailed, "Transaction failed: "+res.Error(), data)
}

// SubmitError maps an error returned before execution.
func SubmitError(err error) *RPCError {
	switch {
	case errors.Is(err, runtime.ErrInvalidSignature),
		errors.Is(err, runtime.ErrMissingRequiredSignature):
		return NewRPCError(TransactionSignatureVerificationFailure, err.Error())
	case errors.Is(err, runtime.ErrNoInstructions),
		errors.Is(err, runtime.ErrTransactionTooLarge),
		errors.Is(err, runtime.ErrProgramNotFound),
		errors.Is(err, runtime.ErrAlreadyProcessed),
		errors.Is(err, runtime.ErrTransactionExpired),
		errors.Is(err, runtime.ErrInvalidRecentSequence):
		return NewRPCError(TransactionRejected, err.Error())
	}
	return InternalServerErrorf("execute transaction: %v", err)
}

// StateError maps an error from a custody state query.
func StateError(err error) *RPCError {
	if pe, ok := custody.AsProgramError(err); ok {
		return NewRPCErrorWithData(CustodyStateError, err.Error(), ProgramErrorData{Code: pe.Code, Name: pe.Name})
	}
	return InternalServerErrorf("%v", err)
}
