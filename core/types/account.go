package types

import "math/big"

// Account is the host-level record stored for every account identifier.
// Contract storage lives outside the account record.
type Account struct {
	Nonce    uint64   `json:"nonce"`
	Balance  *big.Int `json:"balance"`
	CodeHash []byte   `json:"codeHash,omitempty"`
}
