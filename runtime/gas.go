package runtime

import (
	"fmt"
	"time"
)

// Gas is the unit of execution budget attached to every receipt.
type Gas uint64

// TGas is one tera-gas, the unit budgets are usually expressed in.
const TGas Gas = 1_000_000_000_000

// Fixed costs charged by the host. Contract code only pays for what it does
// through the CallContext.
const (
	CostFunctionCall Gas = 2 * TGas
	CostPromise      Gas = 1 * TGas
	CostLog          Gas = TGas / 10
	CostStorageRead  Gas = TGas / 2
	CostStorageWrite Gas = 1 * TGas

	// MaxPrepaidGas caps the budget a single receipt may carry.
	MaxPrepaidGas Gas = 300 * TGas
)

// String renders the amount in TGas for logs.
func (g Gas) String() string {
	return fmt.Sprintf("%.2fTGas", float64(g)/float64(TGas))
}

// Timeout converts a gas budget into a wall clock deadline for remote
// services, using scale as the duration granted per TGas.
func (g Gas) Timeout(scale time.Duration) time.Duration {
	if scale <= 0 {
		return 0
	}
	return time.Duration(float64(g) / float64(TGas) * float64(scale))
}
