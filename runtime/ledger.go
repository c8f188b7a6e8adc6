package runtime

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/core/types"
	"whitelistpayouts/storage"
)

var (
	accountPrefix = []byte("account:")
	storagePrefix = []byte("storage:")
)

// accountRecord is the RLP encoded form of types.Account.
type accountRecord struct {
	Nonce    uint64
	Balance  *big.Int
	CodeHash []byte
}

func accountKey(id identity.AccountID) []byte {
	return ethcrypto.Keccak256(accountPrefix, []byte(id))
}

func contractStorageKey(id identity.AccountID, key []byte) []byte {
	return ethcrypto.Keccak256(storagePrefix, []byte(id), []byte{0}, key)
}

// Ledger stores account records and contract storage on top of a key-value
// database. All balance arithmetic goes through the ledger.
type Ledger struct {
	mu sync.RWMutex
	db storage.Database
}

// NewLedger wraps the supplied database.
func NewLedger(db storage.Database) *Ledger {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Ledger{db: db}
}

// Account loads the record for id.
func (l *Ledger) Account(id identity.AccountID) (*types.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.load(id)
}

// Exists reports whether an account record is present.
func (l *Ledger) Exists(id identity.AccountID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ok, err := l.db.Has(accountKey(id))
	return err == nil && ok
}

// Balance returns the current balance of id.
func (l *Ledger) Balance(id identity.AccountID) (*big.Int, error) {
	acc, err := l.Account(id)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// Create stores a fresh account with the provided opening balance.
func (l *Ledger) Create(id identity.AccountID, balance *big.Int) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if balance != nil && balance.Sign() < 0 {
		return fmt.Errorf("%w: negative opening balance", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(accountKey(id))
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, id)
	}
	return l.store(id, &types.Account{Balance: cloneAmount(balance)})
}

// Update applies fn to the stored account under the write lock.
func (l *Ledger) Update(id identity.AccountID, fn func(*types.Account) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.load(id)
	if err != nil {
		return err
	}
	if err := fn(acc); err != nil {
		return err
	}
	return l.store(id, acc)
}

// Credit adds amount to the balance of id.
func (l *Ledger) Credit(id identity.AccountID, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative credit", ErrInvalidAmount)
	}
	return l.Update(id, func(acc *types.Account) error {
		acc.Balance = new(big.Int).Add(acc.Balance, amount)
		return nil
	})
}

// Debit subtracts amount from the balance of id.
func (l *Ledger) Debit(id identity.AccountID, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative debit", ErrInvalidAmount)
	}
	return l.Update(id, func(acc *types.Account) error {
		if acc.Balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, id, acc.Balance, amount)
		}
		acc.Balance = new(big.Int).Sub(acc.Balance, amount)
		return nil
	})
}

// Delete removes the account record of id and returns its final balance.
func (l *Ledger) Delete(id identity.AccountID) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.load(id)
	if err != nil {
		return nil, err
	}
	if err := l.db.Delete(accountKey(id)); err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// StorageGet reads a contract storage slot.
func (l *Ledger) StorageGet(id identity.AccountID, key []byte) ([]byte, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	value, err := l.db.Get(contractStorageKey(id, key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// StorageApply writes a batch of contract storage slots. Nil values delete
// the slot.
func (l *Ledger) StorageApply(id identity.AccountID, writes map[string][]byte) error {
	if len(writes) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, value := range writes {
		slot := contractStorageKey(id, []byte(key))
		if value == nil {
			if err := l.db.Delete(slot); err != nil {
				return err
			}
			continue
		}
		if err := l.db.Put(slot, value); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) load(id identity.AccountID) (*types.Account, error) {
	raw, err := l.db.Get(accountKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var rec accountRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("runtime: decode account %s: %w", id, err)
	}
	acc := &types.Account{Nonce: rec.Nonce, Balance: rec.Balance, CodeHash: rec.CodeHash}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

func (l *Ledger) store(id identity.AccountID, acc *types.Account) error {
	rec := accountRecord{Nonce: acc.Nonce, Balance: cloneAmount(acc.Balance), CodeHash: acc.CodeHash}
	encoded, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("runtime: encode account %s: %w", id, err)
	}
	return l.db.Put(accountKey(id), encoded)
}
