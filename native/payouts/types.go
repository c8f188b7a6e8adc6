package payouts

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/runtime"
)

// Method names exposed by the coordinator contract.
const (
	MethodNew           = "new"
	MethodPayout        = "payout"
	MethodOnWhitelisted = "on_whitelisted"
	MethodOnTransferred = "on_transferred"
	MethodOnRefunded    = "on_refunded"
	MethodGetConfig     = "get_config"

	// OracleMethod is the eligibility query issued to the oracle account.
	OracleMethod = "is_whitelisted"
)

// Gas budgets attached to the hops of a payout.
const (
	CheckCallGas      = 5 * runtime.TGas
	CallbackGas       = 25 * runtime.TGas
	RefundObserverGas = 10 * runtime.TGas
)

// Log markers written to receipt outcomes.
const (
	LogNotWhitelisted  = "ERR_RECEIVER_IS_NOT_WHITELISTED"
	LogTransferFailed  = "ERR_TRANSFERRING_TO_RECEIVER_ACCOUNT_FAILED"
	LogRefundFailed    = "ERR_REFUNDING_TO_PAYER_FAILED"
	ReasonIneligible   = "not_whitelisted"
	ReasonTransferFail = "transfer_failed"
	// ReasonShutdown marks a chain the host stopped before it finished.
	ReasonShutdown = "shutdown"
)

// Config is fixed when the coordinator is initialised.
type Config struct {
	Factory identity.AccountID `json:"sputnik_factory"`
	Oracle  identity.AccountID `json:"whitelist_contract"`
}

// Validate checks both accounts are well formed.
func (c Config) Validate() error {
	if err := c.Factory.Validate(); err != nil {
		return fmt.Errorf("%w: factory: %v", ErrInvalidArguments, err)
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("%w: oracle: %v", ErrInvalidArguments, err)
	}
	return nil
}

// PayoutArgs are the arguments of the payout entry point.
type PayoutArgs struct {
	AccountID identity.AccountID `json:"account_id"`
}

// Ticket carries the payout through both continuations. It is captured at
// entry and never modified.
type Ticket struct {
	Receiver identity.AccountID
	Amount   *big.Int
	Payer    identity.AccountID
}

type ticketJSON struct {
	AccountID   identity.AccountID `json:"account_id"`
	Amount      string             `json:"amount"`
	Predecessor identity.AccountID `json:"predecessor_account_id"`
}

// MarshalJSON encodes the amount as a decimal string.
func (t Ticket) MarshalJSON() ([]byte, error) {
	amount := "0"
	if t.Amount != nil {
		amount = t.Amount.String()
	}
	return json.Marshal(ticketJSON{AccountID: t.Receiver, Amount: amount, Predecessor: t.Payer})
}

// UnmarshalJSON decodes a ticket, rejecting malformed amounts.
func (t *Ticket) UnmarshalJSON(data []byte) error {
	var raw ticketJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw.Amount), 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("%w: amount %q", ErrInvalidArguments, raw.Amount)
	}
	t.Receiver = raw.AccountID
	t.Amount = amount
	t.Payer = raw.Predecessor
	return nil
}

func (t Ticket) validate() error {
	if err := t.Receiver.Validate(); err != nil {
		return fmt.Errorf("%w: receiver: %v", ErrInvalidArguments, err)
	}
	if err := t.Payer.Validate(); err != nil {
		return fmt.Errorf("%w: payer: %v", ErrInvalidArguments, err)
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArguments)
	}
	return nil
}

// refundArgs extends the ticket with the reason the refund was issued.
type refundArgs struct {
	Ticket Ticket `json:"ticket"`
	Reason string `json:"reason"`
}

// settlementRecord is the log line written once the receiver was paid.
type settlementRecord struct {
	Amount   string             `json:"amount"`
	Payer    identity.AccountID `json:"payer"`
	Receiver identity.AccountID `json:"receiver"`
}
