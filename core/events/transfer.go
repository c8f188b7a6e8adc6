package events

import (
	"math/big"
	"strconv"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/core/types"
)

const (
	// TypeTransfer is emitted for every settled native balance movement.
	TypeTransfer = "transfer.native"
	// TypeTransferFailed is emitted when a transfer receipt could not be applied
	// and the amount was returned to the sender.
	TypeTransferFailed = "transfer.failed"
)

// Transfer describes a native balance movement applied by the host.
type Transfer struct {
	From    identity.AccountID
	To      identity.AccountID
	Amount  *big.Int
	Receipt uint64
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"amount": formatAmount(e.Amount),
	}
	setIfPresent(attrs, "from", e.From.String())
	setIfPresent(attrs, "to", e.To.String())
	if e.Receipt != 0 {
		attrs["receipt"] = strconv.FormatUint(e.Receipt, 10)
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

// TransferFailed records a transfer that bounced back to the sender.
type TransferFailed struct {
	From    identity.AccountID
	To      identity.AccountID
	Amount  *big.Int
	Receipt uint64
	Reason  string
}

func (TransferFailed) EventType() string { return TypeTransferFailed }

func (e TransferFailed) Event() *types.Event {
	attrs := map[string]string{
		"amount": formatAmount(e.Amount),
	}
	setIfPresent(attrs, "from", e.From.String())
	setIfPresent(attrs, "to", e.To.String())
	setIfPresent(attrs, "reason", e.Reason)
	if e.Receipt != 0 {
		attrs["receipt"] = strconv.FormatUint(e.Receipt, 10)
	}
	return &types.Event{Type: TypeTransferFailed, Attributes: attrs}
}
