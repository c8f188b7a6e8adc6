package runtime

import (
	"fmt"
	"math/big"

	"whitelistpayouts/core/identity"
)

// ActionKind enumerates the actions a receipt can carry.
type ActionKind uint8

const (
	ActionFunctionCall ActionKind = iota + 1
	ActionTransfer
)

func (k ActionKind) String() string {
	switch k {
	case ActionFunctionCall:
		return "function_call"
	case ActionTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Action is the payload executed by a receipt.
type Action struct {
	Kind    ActionKind
	Method  string
	Args    []byte
	Deposit *big.Int
	Gas     Gas
}

// FunctionCall builds a function call action.
func FunctionCall(method string, args []byte, deposit *big.Int, gas Gas) Action {
	return Action{Kind: ActionFunctionCall, Method: method, Args: args, Deposit: cloneAmount(deposit), Gas: gas}
}

// Transfer builds a native value transfer action.
func Transfer(amount *big.Int) Action {
	return Action{Kind: ActionTransfer, Deposit: cloneAmount(amount)}
}

// Value returns the amount of native value moved by the action.
func (a Action) Value() *big.Int {
	return cloneAmount(a.Deposit)
}

func (a Action) validate() error {
	if a.Deposit != nil && a.Deposit.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidAmount)
	}
	switch a.Kind {
	case ActionFunctionCall:
		if a.Method == "" {
			return fmt.Errorf("runtime: method required")
		}
		if a.Gas > MaxPrepaidGas {
			return fmt.Errorf("runtime: prepaid gas %s above limit %s", a.Gas, MaxPrepaidGas)
		}
	case ActionTransfer:
		if a.Deposit == nil || a.Deposit.Sign() == 0 {
			return fmt.Errorf("%w: transfer amount required", ErrInvalidAmount)
		}
	default:
		return fmt.Errorf("runtime: unknown action kind %d", a.Kind)
	}
	return nil
}

// Transaction is a signed request entering the host from outside.
type Transaction struct {
	Signer   identity.AccountID
	Receiver identity.AccountID
	Action   Action
}

// Receipt is a single unit of execution scheduled by the host.
type Receipt struct {
	ID          uint64
	TxID        string
	Signer      identity.AccountID
	Predecessor identity.AccountID
	Receiver    identity.AccountID
	Action      Action
	// DependsOn is the receipt whose result this receipt consumes. Zero when
	// the receipt is not a callback.
	DependsOn uint64

	results []PromiseResult
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
