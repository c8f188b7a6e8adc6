package runtime

import "errors"

var (
	// ErrAccountNotFound is returned when an account record does not exist.
	ErrAccountNotFound = errors.New("runtime: account not found")
	// ErrAccountExists is returned when creating an account twice.
	ErrAccountExists = errors.New("runtime: account already exists")
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("runtime: insufficient balance")
	// ErrNoContract is returned when calling an account without code.
	ErrNoContract = errors.New("runtime: account has no contract")
	// ErrGasExceeded is returned when a call uses more than its prepaid gas.
	ErrGasExceeded = errors.New("runtime: exceeded prepaid gas")
	// ErrInvalidPromise is returned for out of range promise indices.
	ErrInvalidPromise = errors.New("runtime: invalid promise index")
	// ErrViewMutation is returned when a view call attempts a state change.
	ErrViewMutation = errors.New("runtime: state changes are not allowed in view calls")
	// ErrServiceDeposit is returned when value is attached to a remote service call.
	ErrServiceDeposit = errors.New("runtime: remote services do not accept deposits")
	// ErrServiceTimeout is returned when a remote service outlives its budget.
	ErrServiceTimeout = errors.New("runtime: remote service exceeded its budget")
	// ErrStopped is returned once the event loop is shutting down.
	ErrStopped = errors.New("runtime: stopped")
	// ErrInvalidAmount is returned for negative or missing amounts.
	ErrInvalidAmount = errors.New("runtime: invalid amount")
	// ErrContractPanic wraps a panic raised by contract code.
	ErrContractPanic = errors.New("runtime: contract panicked")
)
