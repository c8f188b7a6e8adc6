package runtime

import (
	"context"
	"fmt"
	"math/big"

	"whitelistpayouts/core/events"
	"whitelistpayouts/core/identity"
)

// Contract is code deployed to an account. Calls run on the host event loop
// and must not block.
type Contract interface {
	Call(call *CallContext, method string, args []byte) ([]byte, error)
}

// ContractFunc adapts a function to the Contract interface.
type ContractFunc func(call *CallContext, method string, args []byte) ([]byte, error)

// Call implements Contract.
func (f ContractFunc) Call(call *CallContext, method string, args []byte) ([]byte, error) {
	return f(call, method, args)
}

// CallContext is the view a contract has of the host while one receipt
// executes. State changes are buffered and only applied when the call
// returns without error.
type CallContext struct {
	ctx    context.Context
	ledger *Ledger

	current     identity.AccountID
	predecessor identity.AccountID
	signer      identity.AccountID
	deposit     *big.Int
	view        bool

	prepaid  Gas
	used     Gas
	reserved Gas
	gasErr   error

	results  []PromiseResult
	logs     []string
	events   []events.Event
	writes   map[string][]byte
	promises []pendingPromise
	outgoing *big.Int
}

func newCallContext(ctx context.Context, ledger *Ledger, receipt *Receipt) *CallContext {
	return &CallContext{
		ctx:         ctx,
		ledger:      ledger,
		current:     receipt.Receiver,
		predecessor: receipt.Predecessor,
		signer:      receipt.Signer,
		deposit:     receipt.Action.Value(),
		prepaid:     receipt.Action.Gas,
		results:     receipt.results,
		writes:      make(map[string][]byte),
		outgoing:    big.NewInt(0),
	}
}

// Context returns the context of the executing receipt.
func (c *CallContext) Context() context.Context { return c.ctx }

// Current is the account the code is deployed to.
func (c *CallContext) Current() identity.AccountID { return c.current }

// Predecessor is the account that created this receipt.
func (c *CallContext) Predecessor() identity.AccountID { return c.predecessor }

// Signer is the account that signed the originating transaction.
func (c *CallContext) Signer() identity.AccountID { return c.signer }

// AttachedDeposit is the value credited to the current account for this call.
func (c *CallContext) AttachedDeposit() *big.Int { return cloneAmount(c.deposit) }

// PrepaidGas is the budget attached to the receipt.
func (c *CallContext) PrepaidGas() Gas { return c.prepaid }

// UsedGas is the gas burnt so far, excluding gas forwarded to promises.
func (c *CallContext) UsedGas() Gas { return c.used }

// IsView reports whether the call runs in read-only mode.
func (c *CallContext) IsView() bool { return c.view }

// UseGas charges amount against the prepaid budget.
func (c *CallContext) UseGas(amount Gas) error {
	if c.gasErr != nil {
		return c.gasErr
	}
	if c.used+c.reserved+amount > c.prepaid {
		c.gasErr = fmt.Errorf("%w: used %s, forwarded %s, prepaid %s", ErrGasExceeded, c.used+amount, c.reserved, c.prepaid)
		return c.gasErr
	}
	c.used += amount
	return nil
}

// PromiseResults returns the results delivered to a callback.
func (c *CallContext) PromiseResults() []PromiseResult {
	return append([]PromiseResult(nil), c.results...)
}

// Balance returns the committed balance of the current account.
func (c *CallContext) Balance() (*big.Int, error) {
	return c.ledger.Balance(c.current)
}

// Log records a diagnostic line in the receipt outcome.
func (c *CallContext) Log(line string) error {
	if err := c.UseGas(CostLog); err != nil {
		return err
	}
	c.logs = append(c.logs, line)
	return nil
}

// Emit records a structured event that is published when the call commits.
func (c *CallContext) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	c.events = append(c.events, evt)
}

// StorageRead reads a slot of the current account's storage.
func (c *CallContext) StorageRead(key []byte) ([]byte, bool, error) {
	if err := c.UseGas(CostStorageRead); err != nil {
		return nil, false, err
	}
	if value, ok := c.writes[string(key)]; ok {
		if value == nil {
			return nil, false, nil
		}
		return append([]byte(nil), value...), true, nil
	}
	return c.ledger.StorageGet(c.current, key)
}

// StorageWrite buffers a write to the current account's storage.
func (c *CallContext) StorageWrite(key, value []byte) error {
	if c.view {
		return ErrViewMutation
	}
	if err := c.UseGas(CostStorageWrite); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	c.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// StorageRemove buffers the deletion of a storage slot.
func (c *CallContext) StorageRemove(key []byte) error {
	if c.view {
		return ErrViewMutation
	}
	if err := c.UseGas(CostStorageWrite); err != nil {
		return err
	}
	c.writes[string(key)] = nil
	return nil
}

// FunctionCall creates a promise calling method on receiver with the given
// deposit and gas budget.
func (c *CallContext) FunctionCall(receiver identity.AccountID, method string, args []byte, deposit *big.Int, gas Gas) (PromiseIndex, error) {
	return c.newPromise(receiver, FunctionCall(method, args, deposit, gas), -1)
}

// Transfer creates a promise moving amount from the current account to
// receiver.
func (c *CallContext) Transfer(receiver identity.AccountID, amount *big.Int) (PromiseIndex, error) {
	return c.newPromise(receiver, Transfer(amount), -1)
}

// Then schedules method on receiver to run once promise p resolved. The
// callback receives p's result through PromiseResults.
func (c *CallContext) Then(p PromiseIndex, receiver identity.AccountID, method string, args []byte, gas Gas) (PromiseIndex, error) {
	if p < 0 || int(p) >= len(c.promises) {
		return -1, fmt.Errorf("%w: %d", ErrInvalidPromise, p)
	}
	return c.newPromise(receiver, FunctionCall(method, args, nil, gas), p)
}

func (c *CallContext) newPromise(receiver identity.AccountID, action Action, after PromiseIndex) (PromiseIndex, error) {
	if c.view {
		return -1, ErrViewMutation
	}
	if err := receiver.Validate(); err != nil {
		return -1, err
	}
	if err := action.validate(); err != nil {
		return -1, err
	}
	if err := c.UseGas(CostPromise); err != nil {
		return -1, err
	}
	if action.Kind == ActionFunctionCall {
		if c.used+c.reserved+action.Gas > c.prepaid {
			c.gasErr = fmt.Errorf("%w: cannot forward %s, %s left", ErrGasExceeded, action.Gas, c.prepaid-c.used-c.reserved)
			return -1, c.gasErr
		}
		c.reserved += action.Gas
	}
	if value := action.Value(); value.Sign() > 0 {
		balance, err := c.ledger.Balance(c.current)
		if err != nil {
			return -1, err
		}
		needed := new(big.Int).Add(c.outgoing, value)
		if balance.Cmp(needed) < 0 {
			return -1, fmt.Errorf("%w: %s has %s, promises need %s", ErrInsufficientBalance, c.current, balance, needed)
		}
		c.outgoing = needed
	}
	c.promises = append(c.promises, pendingPromise{receiver: receiver, action: action, after: after})
	return PromiseIndex(len(c.promises) - 1), nil
}
