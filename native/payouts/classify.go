package payouts

import (
	"bytes"

	"whitelistpayouts/core/types"
	"whitelistpayouts/runtime"
)

// Outcome is the terminal state of a payout chain.
type Outcome string

const (
	OutcomePaid                   Outcome = "PAID"
	OutcomeRefundedIneligible     Outcome = "REFUNDED_INELIGIBLE"
	OutcomeRefundedTransferFailed Outcome = "REFUNDED_TRANSFER_FAILED"
	OutcomeRejected               Outcome = "REJECTED"
	OutcomePending                Outcome = "PENDING"
	// OutcomeStranded marks a chain whose value stayed with the coordinator,
	// either because a refund bounced or a continuation itself failed.
	OutcomeStranded Outcome = "STRANDED"
)

var jsonTrue = []byte("true")

// Classify maps a transaction result to the payout outcome. A nil result is
// still pending.
func Classify(result *runtime.TransactionResult) Outcome {
	if result == nil || len(result.Outcomes) == 0 {
		return OutcomePending
	}
	if !result.Outcomes[0].Succeeded() {
		return OutcomeRejected
	}
	if transferred := result.Find(MethodOnTransferred); len(transferred) > 0 {
		last := transferred[len(transferred)-1]
		switch {
		case !last.Succeeded():
			return OutcomeStranded
		case bytes.Equal(last.Return, jsonTrue):
			return OutcomePaid
		case refundBounced(result):
			return OutcomeStranded
		default:
			return OutcomeRefundedTransferFailed
		}
	}
	if whitelisted := result.Find(MethodOnWhitelisted); len(whitelisted) > 0 {
		last := whitelisted[len(whitelisted)-1]
		switch {
		case !last.Succeeded():
			return OutcomeStranded
		case bytes.Equal(last.Return, jsonTrue):
			// The transfer continuation never ran.
			return OutcomeStranded
		case refundBounced(result):
			return OutcomeStranded
		default:
			return OutcomeRefundedIneligible
		}
	}
	if result.FinishedAt.IsZero() {
		return OutcomePending
	}
	return OutcomeStranded
}

// refundBounced reports whether the last transfer of the chain, the refund to
// the payer, failed.
func refundBounced(result *runtime.TransactionResult) bool {
	transfers := result.Transfers()
	if len(transfers) == 0 {
		return false
	}
	return !transfers[len(transfers)-1].Succeeded()
}

// Summary is the operator view of a payout transaction.
type Summary struct {
	TxID     string         `json:"tx_id"`
	Outcome  Outcome        `json:"outcome"`
	Failure  string         `json:"failure,omitempty"`
	Logs     []string       `json:"logs,omitempty"`
	Events   []*types.Event `json:"events,omitempty"`
	Promises []string       `json:"promise_errors,omitempty"`
}

// Summarize condenses a finished result for API responses.
func Summarize(result *runtime.TransactionResult) Summary {
	if result == nil {
		return Summary{Outcome: OutcomePending}
	}
	summary := Summary{
		TxID:    result.ID,
		Outcome: Classify(result),
		Logs:    result.Logs(),
		Events:  result.Events(),
	}
	if err := result.Err(); err != nil {
		summary.Failure = err.Error()
	}
	for _, failed := range result.PromiseErrors() {
		summary.Promises = append(summary.Promises, failed.Failure)
	}
	return summary
}
