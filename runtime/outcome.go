package runtime

import (
	"context"
	"time"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/core/types"
)

// OutcomeStatus is the final status of a receipt or transaction.
type OutcomeStatus uint8

const (
	StatusSuccess OutcomeStatus = iota + 1
	StatusFailure
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "pending"
	}
}

// MarshalText renders the status for JSON payloads.
func (s OutcomeStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ExecutionOutcome records what a single receipt did.
type ExecutionOutcome struct {
	ReceiptID   uint64             `json:"receiptId"`
	DependsOn   uint64             `json:"dependsOn,omitempty"`
	Predecessor identity.AccountID `json:"predecessor"`
	Receiver    identity.AccountID `json:"receiver"`
	Kind        string             `json:"kind"`
	Method      string             `json:"method,omitempty"`
	Status      OutcomeStatus      `json:"status"`
	Return      []byte             `json:"return,omitempty"`
	Failure     string             `json:"failure,omitempty"`
	Logs        []string           `json:"logs,omitempty"`
	Events      []*types.Event     `json:"events,omitempty"`
	GasUsed     Gas                `json:"gasUsed"`

	err error
}

// Err returns the failure cause, nil on success.
func (o ExecutionOutcome) Err() error { return o.err }

// Succeeded reports whether the receipt succeeded.
func (o ExecutionOutcome) Succeeded() bool { return o.Status == StatusSuccess }

func (o ExecutionOutcome) promiseResult() PromiseResult {
	if o.Succeeded() {
		return PromiseResult{Status: PromiseSuccessful, Data: o.Return}
	}
	return PromiseResult{Status: PromiseFailed, Err: o.err}
}

// TransactionResult aggregates the outcomes of every receipt spawned by a
// transaction, in execution order. The first outcome is the root receipt.
type TransactionResult struct {
	ID          string             `json:"id"`
	Signer      identity.AccountID `json:"signer"`
	Receiver    identity.AccountID `json:"receiver"`
	Status      OutcomeStatus      `json:"status"`
	Outcomes    []ExecutionOutcome `json:"outcomes"`
	SubmittedAt time.Time          `json:"submittedAt"`
	FinishedAt  time.Time          `json:"finishedAt"`
}

// Succeeded reports whether the root receipt succeeded. Failures further down
// the chain are visible through PromiseErrors.
func (r *TransactionResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Err returns the failure of the root receipt.
func (r *TransactionResult) Err() error {
	if r == nil || len(r.Outcomes) == 0 {
		return nil
	}
	return r.Outcomes[0].err
}

// Return is the value returned by the root receipt.
func (r *TransactionResult) Return() []byte {
	if r == nil || len(r.Outcomes) == 0 {
		return nil
	}
	return r.Outcomes[0].Return
}

// Logs flattens the logs of every outcome.
func (r *TransactionResult) Logs() []string {
	if r == nil {
		return nil
	}
	var logs []string
	for _, outcome := range r.Outcomes {
		logs = append(logs, outcome.Logs...)
	}
	return logs
}

// Events flattens the events of every outcome.
func (r *TransactionResult) Events() []*types.Event {
	if r == nil {
		return nil
	}
	var out []*types.Event
	for _, outcome := range r.Outcomes {
		out = append(out, outcome.Events...)
	}
	return out
}

// PromiseErrors returns the failed outcomes other than the root receipt.
func (r *TransactionResult) PromiseErrors() []ExecutionOutcome {
	if r == nil || len(r.Outcomes) < 2 {
		return nil
	}
	var failed []ExecutionOutcome
	for _, outcome := range r.Outcomes[1:] {
		if !outcome.Succeeded() {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Find returns the outcomes of receipts calling method.
func (r *TransactionResult) Find(method string) []ExecutionOutcome {
	if r == nil {
		return nil
	}
	var out []ExecutionOutcome
	for _, outcome := range r.Outcomes {
		if outcome.Method == method {
			out = append(out, outcome)
		}
	}
	return out
}

// Transfers returns the transfer outcomes in execution order.
func (r *TransactionResult) Transfers() []ExecutionOutcome {
	if r == nil {
		return nil
	}
	var out []ExecutionOutcome
	for _, outcome := range r.Outcomes {
		if outcome.Kind == ActionTransfer.String() {
			out = append(out, outcome)
		}
	}
	return out
}

// Handle tracks a submitted transaction until every receipt resolved.
type Handle struct {
	ID     string
	done   chan struct{}
	result *TransactionResult
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

// Done is closed once the transaction finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the transaction finished or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (*TransactionResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
