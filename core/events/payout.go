package events

import (
	"math/big"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/core/types"
)

const (
	// TypePayoutSettled is emitted once the recipient transfer of a payout is
	// confirmed.
	TypePayoutSettled = "payouts.settled"
	// TypePayoutRefunded is emitted when the coordinator sends the attached
	// value back to the payer.
	TypePayoutRefunded = "payouts.refunded"
	// TypePayoutStranded is emitted when a refund to the payer failed and the
	// value remains with the coordinator.
	TypePayoutStranded = "payouts.stranded"
)

// PayoutSettled is the structured success record of a payout chain.
type PayoutSettled struct {
	Amount   *big.Int
	Payer    identity.AccountID
	Receiver identity.AccountID
}

func (PayoutSettled) EventType() string { return TypePayoutSettled }

func (e PayoutSettled) Event() *types.Event {
	attrs := map[string]string{"amount": formatAmount(e.Amount)}
	setIfPresent(attrs, "payer", e.Payer.String())
	setIfPresent(attrs, "receiver", e.Receiver.String())
	return &types.Event{Type: TypePayoutSettled, Attributes: attrs}
}

// PayoutRefunded records a compensating transfer back to the payer.
type PayoutRefunded struct {
	Amount   *big.Int
	Payer    identity.AccountID
	Receiver identity.AccountID
	Reason   string
}

func (PayoutRefunded) EventType() string { return TypePayoutRefunded }

func (e PayoutRefunded) Event() *types.Event {
	attrs := map[string]string{"amount": formatAmount(e.Amount)}
	setIfPresent(attrs, "payer", e.Payer.String())
	setIfPresent(attrs, "receiver", e.Receiver.String())
	setIfPresent(attrs, "reason", e.Reason)
	return &types.Event{Type: TypePayoutRefunded, Attributes: attrs}
}

// PayoutStranded records value that could neither reach the receiver nor be
// returned to the payer.
type PayoutStranded struct {
	Amount   *big.Int
	Payer    identity.AccountID
	Receiver identity.AccountID
	Reason   string
}

func (PayoutStranded) EventType() string { return TypePayoutStranded }

func (e PayoutStranded) Event() *types.Event {
	attrs := map[string]string{"amount": formatAmount(e.Amount)}
	setIfPresent(attrs, "payer", e.Payer.String())
	setIfPresent(attrs, "receiver", e.Receiver.String())
	setIfPresent(attrs, "reason", e.Reason)
	return &types.Event{Type: TypePayoutStranded, Attributes: attrs}
}
