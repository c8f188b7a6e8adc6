package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"whitelistpayouts/core/events"
	"whitelistpayouts/core/identity"
	"whitelistpayouts/core/types"
	"whitelistpayouts/observability"
	"whitelistpayouts/storage"
)

const (
	// DefaultGas is attached to transactions that do not set a budget.
	DefaultGas = MaxPrepaidGas
	// DefaultServiceTimeScale is the wall clock granted per TGas to remote
	// services.
	DefaultServiceTimeScale = 200 * time.Millisecond
	// DefaultShutdownGrace bounds how long Run keeps draining unfinished
	// transactions after its context is cancelled.
	DefaultShutdownGrace = 10 * time.Second

	defaultResultRetention = 4096
	inboxSize              = 256
)

// Runtime is a single threaded, event driven host. Receipts execute one at a
// time on the goroutine running Run; callbacks are scheduled when the receipt
// they depend on resolved and fire exactly once.
type Runtime struct {
	ledger       *Ledger
	logger       *slog.Logger
	metrics      *observability.RuntimeMetrics
	eventMetrics interface{ Record(string) }
	emitter      events.Emitter
	tracer       trace.Tracer
	now          func() time.Time
	serviceScale time.Duration
	grace        time.Duration
	retention    int

	mu        sync.RWMutex
	contracts map[identity.AccountID]Contract
	services  map[identity.AccountID]Service

	inbox   chan func()
	stopped chan struct{}
	running atomic.Bool
	closing atomic.Bool
	loopCtx context.Context
	pending atomic.Int64

	// Owned by the loop goroutine.
	queue     []*Receipt
	waiting   map[uint64][]*Receipt
	txs       map[string]*txState
	receiptID uint64

	resultsMu sync.RWMutex
	results   map[string]*TransactionResult
	order     []string
}

type txState struct {
	handle      *Handle
	result      *TransactionResult
	outstanding int
}

// Option customises the runtime.
type Option func(*Runtime)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithEmitter publishes committed events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(r *Runtime) { r.emitter = emitter }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Runtime) { r.now = clock }
}

// WithServiceTimeScale sets the wall clock granted per TGas to remote
// services. Zero disables service deadlines.
func WithServiceTimeScale(scale time.Duration) Option {
	return func(r *Runtime) { r.serviceScale = scale }
}

// WithResultRetention bounds the number of finished transaction results kept
// for lookup.
func WithResultRetention(n int) Option {
	return func(r *Runtime) { r.retention = n }
}

// WithShutdownGrace bounds how long Run drains unfinished transactions once
// its context is cancelled. Zero stops the loop without draining.
func WithShutdownGrace(grace time.Duration) Option {
	return func(r *Runtime) { r.grace = grace }
}

// New constructs a runtime persisting accounts in db.
func New(db storage.Database, opts ...Option) *Runtime {
	r := &Runtime{
		ledger:       NewLedger(db),
		logger:       slog.Default(),
		metrics:      observability.Runtime(),
		eventMetrics: observability.Events(),
		emitter:      events.NoopEmitter{},
		tracer:       otel.Tracer("whitelistpayouts/runtime"),
		now:          time.Now,
		serviceScale: DefaultServiceTimeScale,
		grace:        DefaultShutdownGrace,
		retention:    defaultResultRetention,
		contracts:    make(map[identity.AccountID]Contract),
		services:     make(map[identity.AccountID]Service),
		inbox:        make(chan func(), inboxSize),
		stopped:      make(chan struct{}),
		loopCtx:      context.Background(),
		waiting:      make(map[uint64][]*Receipt),
		txs:          make(map[string]*txState),
		results:      make(map[string]*TransactionResult),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.emitter == nil {
		r.emitter = events.NoopEmitter{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.retention <= 0 {
		r.retention = defaultResultRetention
	}
	return r
}

// Ledger exposes the underlying account ledger.
func (r *Runtime) Ledger() *Ledger { return r.ledger }

// CreateAccount registers a new account with an opening balance.
func (r *Runtime) CreateAccount(id identity.AccountID, balance *big.Int) error {
	return r.ledger.Create(id, balance)
}

// AccountExists reports whether id has an account record.
func (r *Runtime) AccountExists(id identity.AccountID) bool {
	return r.ledger.Exists(id)
}

// Balance returns the balance of id.
func (r *Runtime) Balance(id identity.AccountID) (*big.Int, error) {
	return r.ledger.Balance(id)
}

// DeleteAccount removes id, sending its remaining balance to beneficiary and
// dropping any code deployed to it.
func (r *Runtime) DeleteAccount(id, beneficiary identity.AccountID) error {
	if id == beneficiary {
		return fmt.Errorf("runtime: beneficiary must differ from deleted account")
	}
	if !r.ledger.Exists(beneficiary) {
		return fmt.Errorf("%w: beneficiary %s", ErrAccountNotFound, beneficiary)
	}
	balance, err := r.ledger.Delete(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.contracts, id)
	delete(r.services, id)
	r.mu.Unlock()
	return r.ledger.Credit(beneficiary, balance)
}

// Deploy installs contract code on an existing account.
func (r *Runtime) Deploy(id identity.AccountID, contract Contract) error {
	if contract == nil {
		return fmt.Errorf("runtime: contract required")
	}
	if err := r.ledger.Update(id, func(acc *types.Account) error {
		acc.CodeHash = ethcrypto.Keccak256([]byte(fmt.Sprintf("%T", contract)))
		return nil
	}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, id)
	r.contracts[id] = contract
	return nil
}

// Mount binds a remote service to an existing account. Calls to the account
// execute off the event loop under a deadline derived from their gas.
func (r *Runtime) Mount(id identity.AccountID, service Service) error {
	if service == nil {
		return fmt.Errorf("runtime: service required")
	}
	if !r.ledger.Exists(id) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contracts, id)
	r.services[id] = service
	return nil
}

func (r *Runtime) contract(id identity.AccountID) Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[id]
}

func (r *Runtime) service(id identity.AccountID) Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[id]
}

// Run drives the event loop until ctx is cancelled. Cancellation stops new
// submissions and fails outstanding service calls; the loop keeps executing
// until every transaction finished or the shutdown grace elapsed.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("runtime: already running")
	}
	r.loopCtx = ctx
	defer close(r.stopped)
	r.logger.Info("runtime loop started")
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			r.logger.Info("runtime loop stopped", slog.Int64("pending", r.pending.Load()))
			return ctx.Err()
		case task := <-r.inbox:
			task()
			r.drain()
		}
	}
}

func (r *Runtime) shutdown() {
	r.closing.Store(true)
	if r.pending.Load() == 0 || r.grace <= 0 {
		return
	}
	r.logger.Info("runtime draining", slog.Int64("pending", r.pending.Load()), slog.Duration("grace", r.grace))
	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	for r.pending.Load() > 0 {
		select {
		case task := <-r.inbox:
			task()
			r.drain()
		case <-timer.C:
			r.logger.Warn("shutdown grace elapsed with unfinished transactions", slog.Int64("pending", r.pending.Load()))
			return
		}
	}
}

func (r *Runtime) post(task func()) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	select {
	case r.inbox <- task:
		return nil
	case <-r.stopped:
		return ErrStopped
	}
}

// Pending reports the number of unfinished transactions.
func (r *Runtime) Pending() int { return int(r.pending.Load()) }

// Stopped is closed once Run returned.
func (r *Runtime) Stopped() <-chan struct{} { return r.stopped }

// Submit validates tx, debits the value it carries from the signer and
// schedules its root receipt. The returned handle resolves once every
// receipt spawned by the transaction has resolved.
func (r *Runtime) Submit(tx Transaction) (*Handle, error) {
	if r.closing.Load() {
		return nil, ErrStopped
	}
	if err := tx.Signer.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: signer: %w", err)
	}
	if err := tx.Receiver.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: receiver: %w", err)
	}
	action := tx.Action
	action.Deposit = action.Value()
	if action.Kind == ActionFunctionCall && action.Gas == 0 {
		action.Gas = DefaultGas
	}
	if err := action.validate(); err != nil {
		return nil, err
	}
	if err := r.ledger.Update(tx.Signer, func(acc *types.Account) error {
		if acc.Balance.Cmp(action.Deposit) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, tx.Signer, acc.Balance, action.Deposit)
		}
		acc.Balance = new(big.Int).Sub(acc.Balance, action.Deposit)
		acc.Nonce++
		return nil
	}); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	handle := newHandle(id)
	root := &Receipt{
		TxID:        id,
		Signer:      tx.Signer,
		Predecessor: tx.Signer,
		Receiver:    tx.Receiver,
		Action:      action,
	}
	result := &TransactionResult{ID: id, Signer: tx.Signer, Receiver: tx.Receiver, SubmittedAt: r.now()}
	r.pending.Add(1)
	r.metrics.SetPending(int(r.pending.Load()))
	if err := r.post(func() {
		root.ID = r.nextReceiptID()
		r.txs[id] = &txState{handle: handle, result: result, outstanding: 1}
		r.queue = append(r.queue, root)
	}); err != nil {
		r.pending.Add(-1)
		if refundErr := r.ledger.Credit(tx.Signer, action.Deposit); refundErr != nil {
			r.logger.Error("refund after rejected submit failed", slog.String("signer", tx.Signer.String()), slog.Any("error", refundErr))
		}
		return nil, err
	}
	return handle, nil
}

// Execute submits tx and waits for its result.
func (r *Runtime) Execute(ctx context.Context, tx Transaction) (*TransactionResult, error) {
	handle, err := r.Submit(tx)
	if err != nil {
		return nil, err
	}
	return handle.Wait(ctx)
}

// Result returns a finished transaction result.
func (r *Runtime) Result(txID string) (*TransactionResult, bool) {
	r.resultsMu.RLock()
	defer r.resultsMu.RUnlock()
	result, ok := r.results[txID]
	return result, ok
}

// View runs a read-only call against receiver.
func (r *Runtime) View(ctx context.Context, receiver identity.AccountID, method string, args []byte) ([]byte, error) {
	if !r.ledger.Exists(receiver) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, receiver)
	}
	if svc := r.service(receiver); svc != nil {
		return invokeService(ctx, svc, ServiceCall{Receiver: receiver, Method: method, Args: args})
	}
	contract := r.contract(receiver)
	if contract == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, receiver)
	}
	cc := &CallContext{
		ctx:      ctx,
		ledger:   r.ledger,
		current:  receiver,
		deposit:  big.NewInt(0),
		view:     true,
		prepaid:  MaxPrepaidGas,
		writes:   make(map[string][]byte),
		outgoing: big.NewInt(0),
	}
	if err := cc.UseGas(CostFunctionCall); err != nil {
		return nil, err
	}
	return invokeContract(contract, cc, method, args)
}

func (r *Runtime) nextReceiptID() uint64 {
	r.receiptID++
	return r.receiptID
}

func (r *Runtime) drain() {
	for len(r.queue) > 0 {
		receipt := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.execute(receipt)
	}
}

func (r *Runtime) execute(receipt *Receipt) {
	ctx, span := r.tracer.Start(r.loopCtx, "runtime.receipt", trace.WithAttributes(
		attribute.Int64("receipt.id", int64(receipt.ID)),
		attribute.String("receipt.tx", receipt.TxID),
		attribute.String("receipt.receiver", receipt.Receiver.String()),
		attribute.String("receipt.kind", receipt.Action.Kind.String()),
		attribute.String("receipt.method", receipt.Action.Method),
	))
	defer span.End()

	var (
		outcome    ExecutionOutcome
		dispatched bool
	)
	switch receipt.Action.Kind {
	case ActionTransfer:
		outcome = r.applyTransfer(receipt)
	case ActionFunctionCall:
		outcome, dispatched = r.applyFunctionCall(ctx, receipt)
	default:
		outcome = r.fail(receipt, fmt.Errorf("runtime: unknown action kind %d", receipt.Action.Kind))
	}
	if dispatched {
		span.AddEvent("dispatched to remote service")
		return
	}
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, outcome.Failure)
	}
	r.resolve(receipt, outcome)
}

func newOutcome(receipt *Receipt) ExecutionOutcome {
	return ExecutionOutcome{
		ReceiptID:   receipt.ID,
		DependsOn:   receipt.DependsOn,
		Predecessor: receipt.Predecessor,
		Receiver:    receipt.Receiver,
		Kind:        receipt.Action.Kind.String(),
		Method:      receipt.Action.Method,
	}
}

// fail builds a failed outcome and returns any value the receipt carried to
// its predecessor.
func (r *Runtime) fail(receipt *Receipt, cause error) ExecutionOutcome {
	outcome := newOutcome(receipt)
	outcome.Status = StatusFailure
	outcome.err = cause
	outcome.Failure = cause.Error()
	r.refund(receipt.Predecessor, receipt.Action.Value())
	return outcome
}

func (r *Runtime) refund(to identity.AccountID, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if err := r.ledger.Credit(to, amount); err != nil {
		r.metrics.RecordLostRefund()
		r.logger.Error("refund could not be credited",
			slog.String("account", to.String()),
			slog.String("amount", amount.String()),
			slog.Any("error", err))
	}
}

func (r *Runtime) applyTransfer(receipt *Receipt) ExecutionOutcome {
	amount := receipt.Action.Value()
	if !r.ledger.Exists(receipt.Receiver) {
		cause := fmt.Errorf("%w: can't complete the action because account %q doesn't exist", ErrAccountNotFound, receipt.Receiver)
		outcome := r.fail(receipt, cause)
		r.publish(&outcome, []events.Event{events.TransferFailed{
			From:    receipt.Predecessor,
			To:      receipt.Receiver,
			Amount:  amount,
			Receipt: receipt.ID,
			Reason:  cause.Error(),
		}})
		return outcome
	}
	if err := r.ledger.Credit(receipt.Receiver, amount); err != nil {
		return r.fail(receipt, err)
	}
	outcome := newOutcome(receipt)
	outcome.Status = StatusSuccess
	r.publish(&outcome, []events.Event{events.Transfer{
		From:    receipt.Predecessor,
		To:      receipt.Receiver,
		Amount:  amount,
		Receipt: receipt.ID,
	}})
	return outcome
}

func (r *Runtime) applyFunctionCall(ctx context.Context, receipt *Receipt) (ExecutionOutcome, bool) {
	if !r.ledger.Exists(receipt.Receiver) {
		return r.fail(receipt, fmt.Errorf("%w: account %q doesn't exist", ErrAccountNotFound, receipt.Receiver)), false
	}
	if svc := r.service(receipt.Receiver); svc != nil {
		if receipt.Action.Value().Sign() > 0 {
			return r.fail(receipt, ErrServiceDeposit), false
		}
		if receipt.Action.Gas < CostFunctionCall {
			return r.fail(receipt, fmt.Errorf("%w: %s below call cost", ErrGasExceeded, receipt.Action.Gas)), false
		}
		r.dispatch(receipt, svc)
		return ExecutionOutcome{}, true
	}
	contract := r.contract(receipt.Receiver)
	if contract == nil {
		return r.fail(receipt, fmt.Errorf("%w: %s", ErrNoContract, receipt.Receiver)), false
	}

	deposit := receipt.Action.Value()
	if err := r.ledger.Credit(receipt.Receiver, deposit); err != nil {
		return r.fail(receipt, err), false
	}
	cc := newCallContext(ctx, r.ledger, receipt)
	ret, err := func() ([]byte, error) {
		if err := cc.UseGas(CostFunctionCall); err != nil {
			return nil, err
		}
		return invokeContract(contract, cc, receipt.Action.Method, receipt.Action.Args)
	}()
	if err == nil && cc.gasErr != nil {
		err = cc.gasErr
	}
	if err == nil {
		err = r.commit(receipt, cc)
	}
	if err != nil {
		if debitErr := r.ledger.Debit(receipt.Receiver, deposit); debitErr != nil {
			r.logger.Error("revert deposit failed", slog.Uint64("receipt", receipt.ID), slog.Any("error", debitErr))
		}
		outcome := r.fail(receipt, err)
		outcome.Logs = cc.logs
		outcome.GasUsed = cc.used
		return outcome, false
	}

	outcome := newOutcome(receipt)
	outcome.Status = StatusSuccess
	outcome.Return = ret
	outcome.Logs = cc.logs
	outcome.GasUsed = cc.used
	r.publish(&outcome, cc.events)
	return outcome, false
}

// commit applies the buffered effects of a successful call and schedules the
// promises it created.
func (r *Runtime) commit(receipt *Receipt, cc *CallContext) error {
	if err := r.ledger.Debit(cc.current, cc.outgoing); err != nil {
		return err
	}
	if err := r.ledger.StorageApply(cc.current, cc.writes); err != nil {
		r.refund(cc.current, cc.outgoing)
		return fmt.Errorf("runtime: apply storage: %w", err)
	}
	tx := r.txs[receipt.TxID]
	ids := make([]uint64, len(cc.promises))
	for i, promise := range cc.promises {
		ids[i] = r.nextReceiptID()
		child := &Receipt{
			ID:          ids[i],
			TxID:        receipt.TxID,
			Signer:      receipt.Signer,
			Predecessor: cc.current,
			Receiver:    promise.receiver,
			Action:      promise.action,
		}
		if tx != nil {
			tx.outstanding++
		}
		if promise.after >= 0 {
			child.DependsOn = ids[promise.after]
			r.waiting[child.DependsOn] = append(r.waiting[child.DependsOn], child)
			continue
		}
		r.queue = append(r.queue, child)
	}
	return nil
}

func (r *Runtime) publish(outcome *ExecutionOutcome, evts []events.Event) {
	for _, evt := range evts {
		rendered := events.Render(evt)
		if rendered == nil {
			continue
		}
		outcome.Events = append(outcome.Events, rendered)
		r.emitter.Emit(evt)
		r.eventMetrics.Record(evt.EventType())
	}
}

// resolve records the outcome, wakes the callbacks waiting on the receipt and
// finishes the transaction once nothing is outstanding.
func (r *Runtime) resolve(receipt *Receipt, outcome ExecutionOutcome) {
	r.metrics.RecordReceipt(receipt.Action.Kind.String(), outcome.Status.String())
	if !outcome.Succeeded() {
		r.logger.Debug("receipt failed",
			slog.Uint64("receipt", receipt.ID),
			slog.String("receiver", receipt.Receiver.String()),
			slog.String("method", receipt.Action.Method),
			slog.String("failure", outcome.Failure))
	}
	if callbacks, ok := r.waiting[receipt.ID]; ok {
		delete(r.waiting, receipt.ID)
		result := outcome.promiseResult()
		for _, cb := range callbacks {
			cb.results = []PromiseResult{result}
			r.queue = append(r.queue, cb)
		}
	}
	tx, ok := r.txs[receipt.TxID]
	if !ok {
		r.logger.Error("receipt resolved for unknown transaction", slog.String("tx", receipt.TxID))
		return
	}
	tx.result.Outcomes = append(tx.result.Outcomes, outcome)
	tx.outstanding--
	if tx.outstanding > 0 {
		return
	}
	delete(r.txs, receipt.TxID)
	r.finish(tx)
}

func (r *Runtime) finish(tx *txState) {
	result := tx.result
	result.FinishedAt = r.now()
	result.Status = StatusFailure
	if len(result.Outcomes) > 0 && result.Outcomes[0].Succeeded() {
		result.Status = StatusSuccess
	}

	r.resultsMu.Lock()
	r.results[result.ID] = result
	r.order = append(r.order, result.ID)
	for len(r.order) > r.retention {
		delete(r.results, r.order[0])
		r.order = r.order[1:]
	}
	r.resultsMu.Unlock()

	r.pending.Add(-1)
	r.metrics.SetPending(int(r.pending.Load()))
	r.metrics.RecordTransaction(result.Status.String(), result.FinishedAt.Sub(result.SubmittedAt))
	tx.handle.result = result
	close(tx.handle.done)
}

func invokeContract(contract Contract, cc *CallContext, method string, args []byte) (ret []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ret = nil
			err = fmt.Errorf("%w: %v", ErrContractPanic, rec)
		}
	}()
	return contract.Call(cc, method, args)
}

func (r *Runtime) dispatch(receipt *Receipt, svc Service) {
	call := ServiceCall{
		Caller:   receipt.Predecessor,
		Receiver: receipt.Receiver,
		Method:   receipt.Action.Method,
		Args:     receipt.Action.Args,
	}
	timeout := receipt.Action.Gas.Timeout(r.serviceScale)
	parent := r.loopCtx
	go func() {
		ctx, cancel := parent, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		}
		defer cancel()
		data, err := awaitService(ctx, svc, call)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s after %s", ErrServiceTimeout, receipt.Receiver, timeout)
		}
		if postErr := r.post(func() {
			var outcome ExecutionOutcome
			if err != nil {
				outcome = r.fail(receipt, err)
			} else {
				outcome = newOutcome(receipt)
				outcome.Status = StatusSuccess
				outcome.Return = data
			}
			outcome.GasUsed = CostFunctionCall
			r.resolve(receipt, outcome)
		}); postErr != nil {
			r.logger.Warn("remote service result dropped", slog.Uint64("receipt", receipt.ID), slog.Any("error", postErr))
		}
	}()
}

type serviceReply struct {
	data []byte
	err  error
}

// awaitService returns as soon as ctx is done, even when svc ignores it.
func awaitService(ctx context.Context, svc Service, call ServiceCall) ([]byte, error) {
	reply := make(chan serviceReply, 1)
	go func() {
		data, err := invokeService(ctx, svc, call)
		reply <- serviceReply{data: data, err: err}
	}()
	select {
	case out := <-reply:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
