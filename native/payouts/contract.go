package payouts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"whitelistpayouts/core/events"
	"whitelistpayouts/core/identity"
	"whitelistpayouts/runtime"
)

var configKey = []byte("config")

// Contract is the payout coordinator. It holds no state besides its
// configuration: every in-flight payout lives in the arguments of the
// pending continuation receipts.
type Contract struct {
	stranded StrandedLedger
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option customises the contract.
type Option func(*Contract)

// WithStrandedLedger enables refund observation. Refunds that fail are
// recorded in ledger instead of silently staying with the coordinator.
func WithStrandedLedger(ledger StrandedLedger) Option {
	return func(c *Contract) { c.stranded = ledger }
}

// WithLogger sets the operator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Contract) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used for stranded entries.
func WithClock(now func() time.Time) Option {
	return func(c *Contract) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a coordinator contract.
func New(opts ...Option) *Contract {
	c := &Contract{
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call implements runtime.Contract.
func (c *Contract) Call(call *runtime.CallContext, method string, args []byte) ([]byte, error) {
	switch method {
	case MethodNew:
		return c.initialize(call, args)
	case MethodGetConfig:
		cfg, err := loadConfig(call)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)
	}
	if call.IsView() {
		return nil, runtime.ErrViewMutation
	}
	switch method {
	case MethodPayout:
		return c.payout(call, args)
	case MethodOnWhitelisted:
		return c.private(call, args, c.onWhitelisted)
	case MethodOnTransferred:
		return c.private(call, args, c.onTransferred)
	case MethodOnRefunded:
		return c.onRefunded(call, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}

func (c *Contract) initialize(call *runtime.CallContext, args []byte) ([]byte, error) {
	if _, ok, err := call.StorageRead(configKey); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyInitialized
	}
	var cfg Config
	if err := json.Unmarshal(args, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := call.StorageWrite(configKey, encoded); err != nil {
		return nil, err
	}
	return nil, nil
}

func loadConfig(call *runtime.CallContext) (Config, error) {
	raw, ok, err := call.StorageRead(configKey)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialized
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("payouts: decode config: %w", err)
	}
	return cfg, nil
}

func (c *Contract) payout(call *runtime.CallContext, args []byte) ([]byte, error) {
	cfg, err := loadConfig(call)
	if err != nil {
		return nil, err
	}
	if !call.Predecessor().IsSubAccountOf(cfg.Factory) {
		return nil, ErrUnauthorizedCaller
	}
	deposit := call.AttachedDeposit()
	if deposit.Sign() == 0 {
		return nil, ErrZeroDeposit
	}
	var req PayoutArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	ticket := Ticket{Receiver: req.AccountID, Amount: deposit, Payer: call.Predecessor()}
	if err := ticket.validate(); err != nil {
		return nil, err
	}

	query, err := json.Marshal(PayoutArgs{AccountID: ticket.Receiver})
	if err != nil {
		return nil, err
	}
	check, err := call.FunctionCall(cfg.Oracle, OracleMethod, query, nil, CheckCallGas)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(ticket)
	if err != nil {
		return nil, err
	}
	if _, err := call.Then(check, call.Current(), MethodOnWhitelisted, encoded, 2*CallbackGas); err != nil {
		return nil, err
	}
	return nil, nil
}

// private rejects calls not originating from the coordinator itself and
// decodes the ticket carried by the continuation.
func (c *Contract) private(call *runtime.CallContext, args []byte, fn func(*runtime.CallContext, Ticket, runtime.PromiseResult) ([]byte, error)) ([]byte, error) {
	if call.Predecessor() != call.Current() {
		return nil, ErrPrivateMethod
	}
	var ticket Ticket
	if err := json.Unmarshal(args, &ticket); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := ticket.validate(); err != nil {
		return nil, err
	}
	results := call.PromiseResults()
	if len(results) != 1 {
		return nil, fmt.Errorf("%w: expected one promise result, got %d", ErrInvalidArguments, len(results))
	}
	return fn(call, ticket, results[0])
}

func (c *Contract) onWhitelisted(call *runtime.CallContext, ticket Ticket, result runtime.PromiseResult) ([]byte, error) {
	var eligible bool
	if err := result.DecodeJSON(&eligible); err != nil {
		c.logger.Warn("eligibility check failed",
			slog.String("receiver", ticket.Receiver.String()),
			slog.String("payer", ticket.Payer.String()),
			slog.Any("error", err))
		eligible = false
	} else if !eligible {
		c.logger.Info("receiver not whitelisted",
			slog.String("receiver", ticket.Receiver.String()),
			slog.String("payer", ticket.Payer.String()))
	}

	if eligible {
		transfer, err := call.Transfer(ticket.Receiver, ticket.Amount)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(ticket)
		if err != nil {
			return nil, err
		}
		if _, err := call.Then(transfer, call.Current(), MethodOnTransferred, encoded, CallbackGas); err != nil {
			return nil, err
		}
		return json.Marshal(true)
	}

	if err := call.Log(LogNotWhitelisted); err != nil {
		return nil, err
	}
	if err := c.refund(call, ticket, ReasonIneligible); err != nil {
		return nil, err
	}
	return json.Marshal(false)
}

func (c *Contract) onTransferred(call *runtime.CallContext, ticket Ticket, result runtime.PromiseResult) ([]byte, error) {
	if result.Succeeded() {
		record, err := json.Marshal(settlementRecord{
			Amount:   ticket.Amount.String(),
			Payer:    ticket.Payer,
			Receiver: ticket.Receiver,
		})
		if err != nil {
			return nil, err
		}
		if err := call.Log(string(record)); err != nil {
			return nil, err
		}
		call.Emit(events.PayoutSettled{Amount: ticket.Amount, Payer: ticket.Payer, Receiver: ticket.Receiver})
		return json.Marshal(true)
	}

	c.logger.Warn("transfer to receiver failed",
		slog.String("receiver", ticket.Receiver.String()),
		slog.String("payer", ticket.Payer.String()),
		slog.Any("error", result.Err))
	if err := call.Log(LogTransferFailed); err != nil {
		return nil, err
	}
	if err := c.refund(call, ticket, ReasonTransferFail); err != nil {
		return nil, err
	}
	return json.Marshal(false)
}

// refund returns the ticket amount to the payer. With stranded tracking the
// refund is observed by on_refunded; it is never retried.
func (c *Contract) refund(call *runtime.CallContext, ticket Ticket, reason string) error {
	transfer, err := call.Transfer(ticket.Payer, ticket.Amount)
	if err != nil {
		return err
	}
	call.Emit(events.PayoutRefunded{Amount: ticket.Amount, Payer: ticket.Payer, Receiver: ticket.Receiver, Reason: reason})
	if c.stranded == nil {
		return nil
	}
	encoded, err := json.Marshal(refundArgs{Ticket: ticket, Reason: reason})
	if err != nil {
		return err
	}
	_, err = call.Then(transfer, call.Current(), MethodOnRefunded, encoded, RefundObserverGas)
	return err
}

func (c *Contract) onRefunded(call *runtime.CallContext, args []byte) ([]byte, error) {
	if call.Predecessor() != call.Current() {
		return nil, ErrPrivateMethod
	}
	var req refundArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	results := call.PromiseResults()
	if len(results) != 1 {
		return nil, fmt.Errorf("%w: expected one promise result, got %d", ErrInvalidArguments, len(results))
	}
	if results[0].Succeeded() {
		return json.Marshal(true)
	}
	if c.stranded == nil {
		return nil, errors.New("payouts: stranded tracking disabled")
	}

	ticket := req.Ticket
	entry := StrandedEntry{
		ID:         c.newID(),
		Payer:      ticket.Payer,
		Receiver:   ticket.Receiver,
		Amount:     new(big.Int).Set(ticket.Amount),
		Reason:     req.Reason,
		RecordedAt: c.now().UTC(),
	}
	if err := c.stranded.Record(call.Context(), entry); err != nil {
		c.logger.Error("record stranded payout",
			slog.String("payer", ticket.Payer.String()),
			slog.String("amount", ticket.Amount.String()),
			slog.Any("error", err))
	}
	c.logger.Error("refund to payer failed",
		slog.String("stranded_id", entry.ID),
		slog.String("payer", ticket.Payer.String()),
		slog.String("amount", ticket.Amount.String()),
		slog.Any("error", results[0].Err))
	if err := call.Log(LogRefundFailed); err != nil {
		return nil, err
	}
	call.Emit(events.PayoutStranded{Amount: ticket.Amount, Payer: ticket.Payer, Receiver: ticket.Receiver, Reason: req.Reason})
	return json.Marshal(false)
}

// Initialize builds the arguments of the new method.
func Initialize(factory, oracle identity.AccountID) runtime.Action {
	args, _ := json.Marshal(Config{Factory: factory, Oracle: oracle})
	return runtime.FunctionCall(MethodNew, args, nil, runtime.DefaultGas)
}

// Payout builds a payout call sending deposit to receiver.
func Payout(receiver identity.AccountID, deposit *big.Int, gas runtime.Gas) runtime.Action {
	args, _ := json.Marshal(PayoutArgs{AccountID: receiver})
	return runtime.FunctionCall(MethodPayout, args, deposit, gas)
}
