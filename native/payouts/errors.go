package payouts

import "errors"

var (
	// ErrUnauthorizedCaller is returned when payout is not called by a direct
	// sub-account of the factory.
	ErrUnauthorizedCaller = errors.New("ERR_CALLED_ONLY_BY_FACTORY_SUB-ACCOUNT")
	// ErrZeroDeposit is returned when payout carries no value.
	ErrZeroDeposit = errors.New("ERR_DEPOSIT_AMOUNT_CANNOT_BE_ZERO")

	ErrAlreadyInitialized = errors.New("payouts: already initialized")
	ErrNotInitialized     = errors.New("payouts: not initialized")
	ErrPrivateMethod      = errors.New("payouts: method is private")
	ErrInvalidArguments   = errors.New("payouts: invalid arguments")
	ErrUnknownMethod      = errors.New("payouts: unknown method")

	ErrStrandedNotFound = errors.New("payouts: stranded entry not found")
	ErrStrandedResolved = errors.New("payouts: stranded entry already resolved")
)
