package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/runtime"
)

const (
	MethodNew           = "new"
	MethodAdd           = "add"
	MethodRemove        = "remove"
	MethodIsWhitelisted = "is_whitelisted"
)

var (
	ErrAlreadyInitialized = errors.New("allowlist: already initialized")
	ErrNotInitialized     = errors.New("allowlist: not initialized")
	ErrNotOwner           = errors.New("allowlist: caller is not the owner")
	ErrInvalidArguments   = errors.New("allowlist: invalid arguments")
	ErrUnknownMethod      = errors.New("allowlist: unknown method")
)

var (
	ownerKey     = []byte("owner")
	memberPrefix = "member:"
)

// InitArgs configures the owner allowed to edit the list.
type InitArgs struct {
	Owner identity.AccountID `json:"owner"`
}

// AccountArgs names the account an operation applies to.
type AccountArgs struct {
	AccountID identity.AccountID `json:"account_id"`
}

// Contract is a minimal owner managed allow-list answering is_whitelisted.
type Contract struct{}

// New returns the allow-list contract.
func New() *Contract { return &Contract{} }

// Call implements runtime.Contract.
func (c *Contract) Call(call *runtime.CallContext, method string, args []byte) ([]byte, error) {
	switch method {
	case MethodNew:
		return nil, c.initialize(call, args)
	case MethodIsWhitelisted:
		req, err := decodeAccount(args)
		if err != nil {
			return nil, err
		}
		if _, err := owner(call); err != nil {
			return nil, err
		}
		_, ok, err := call.StorageRead(memberKey(req.AccountID))
		if err != nil {
			return nil, err
		}
		return json.Marshal(ok)
	case MethodAdd, MethodRemove:
		req, err := decodeAccount(args)
		if err != nil {
			return nil, err
		}
		current, err := owner(call)
		if err != nil {
			return nil, err
		}
		if call.Predecessor() != current {
			return nil, ErrNotOwner
		}
		if method == MethodAdd {
			return nil, call.StorageWrite(memberKey(req.AccountID), []byte{1})
		}
		return nil, call.StorageRemove(memberKey(req.AccountID))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (c *Contract) initialize(call *runtime.CallContext, args []byte) error {
	if _, ok, err := call.StorageRead(ownerKey); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	var req InitArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := req.Owner.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return call.StorageWrite(ownerKey, []byte(req.Owner))
}

func owner(call *runtime.CallContext) (identity.AccountID, error) {
	raw, ok, err := call.StorageRead(ownerKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return identity.AccountID(raw), nil
}

func decodeAccount(args []byte) (AccountArgs, error) {
	var req AccountArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := req.AccountID.Validate(); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return req, nil
}

func memberKey(id identity.AccountID) []byte {
	return []byte(memberPrefix + id.String())
}

// Initialize builds the new call making owner the list administrator.
func Initialize(owner identity.AccountID) runtime.Action {
	args, _ := json.Marshal(InitArgs{Owner: owner})
	return runtime.FunctionCall(MethodNew, args, nil, 0)
}

// Add builds the call admitting id.
func Add(id identity.AccountID) runtime.Action {
	args, _ := json.Marshal(AccountArgs{AccountID: id})
	return runtime.FunctionCall(MethodAdd, args, nil, 0)
}

// Remove builds the call removing id.
func Remove(id identity.AccountID) runtime.Action {
	args, _ := json.Marshal(AccountArgs{AccountID: id})
	return runtime.FunctionCall(MethodRemove, args, nil, 0)
}

// Query encodes the arguments of is_whitelisted.
func Query(id identity.AccountID) []byte {
	args, _ := json.Marshal(AccountArgs{AccountID: id})
	return args
}
