package runtime

import (
	"encoding/json"
	"fmt"

	"whitelistpayouts/core/identity"
)

// PromiseStatus is the resolution of a receipt as seen by its callbacks.
type PromiseStatus uint8

const (
	PromiseSuccessful PromiseStatus = iota + 1
	PromiseFailed
)

func (s PromiseStatus) String() string {
	switch s {
	case PromiseSuccessful:
		return "successful"
	case PromiseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PromiseResult is delivered to a callback once its dependency resolved.
type PromiseResult struct {
	Status PromiseStatus
	Data   []byte
	Err    error
}

// Succeeded reports whether the dependency completed without error.
func (r PromiseResult) Succeeded() bool { return r.Status == PromiseSuccessful }

// DecodeJSON decodes the returned payload. Failed results always error.
func (r PromiseResult) DecodeJSON(v any) error {
	if !r.Succeeded() {
		if r.Err != nil {
			return fmt.Errorf("runtime: promise failed: %w", r.Err)
		}
		return fmt.Errorf("runtime: promise failed")
	}
	return json.Unmarshal(r.Data, v)
}

// PromiseIndex refers to a promise created during the current call.
type PromiseIndex int

type pendingPromise struct {
	receiver identity.AccountID
	action   Action
	// after is the index of the promise this one waits for, -1 when none.
	after PromiseIndex
}
