package payoutd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/payouts"
	"whitelistpayouts/runtime"
)

// ErrProcessorPaused is returned when a payout is attempted while the processor is paused.
var ErrProcessorPaused = errors.New("payoutd: processor paused")

// ErrStrandedDisabled is returned by stranded operations when tracking is off.
var ErrStrandedDisabled = errors.New("payoutd: stranded tracking disabled")

// PayoutRequest is a payout submitted on behalf of an authenticated caller.
type PayoutRequest struct {
	Caller   identity.AccountID
	Receiver identity.AccountID
	Deposit  *big.Int
	Gas      runtime.Gas
}

type inflight struct {
	handle    *runtime.Handle
	payer     identity.AccountID
	receiver  identity.AccountID
	deposit   *big.Int
	submitted time.Time
}

// Processor submits payouts to the coordinator and follows every chain until
// it reaches a terminal state.
type Processor struct {
	rt          *runtime.Runtime
	coordinator identity.AccountID
	stranded    payouts.StrandedLedger
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	paused    bool
	pending   map[string]inflight
	submitted int
	outcomes  map[payouts.Outcome]int

	resolveMu sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
	watchers  sync.WaitGroup
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// WithStrandedLedger exposes stranded entries to the admin API.
func WithStrandedLedger(ledger payouts.StrandedLedger) ProcessorOption {
	return func(p *Processor) { p.stranded = ledger }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor constructs a processor submitting to the coordinator account.
func NewProcessor(rt *runtime.Runtime, coordinator identity.AccountID, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		rt:          rt,
		coordinator: coordinator,
		metrics:     NewMetrics(),
		logger:      slog.Default(),
		now:         time.Now,
		pending:     make(map[string]inflight),
		outcomes:    make(map[payouts.Outcome]int),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(proc)
	}
	if proc.metrics == nil {
		proc.metrics = NewMetrics()
	}
	if proc.logger == nil {
		proc.logger = slog.Default()
	}
	return proc
}

// Submit validates the request and hands the payout to the runtime. The
// returned handle resolves once the chain reached a terminal state.
func (p *Processor) Submit(ctx context.Context, req PayoutRequest) (*runtime.Handle, error) {
	if err := req.Caller.Validate(); err != nil {
		return nil, fmt.Errorf("payoutd: caller: %w", err)
	}
	if err := req.Receiver.Validate(); err != nil {
		return nil, fmt.Errorf("payoutd: receiver: %w", err)
	}
	if req.Deposit == nil || req.Deposit.Sign() < 0 {
		return nil, fmt.Errorf("payoutd: deposit must not be negative")
	}

	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		p.metrics.RecordError("paused")
		return nil, ErrProcessorPaused
	}
	p.mu.Unlock()

	handle, err := p.rt.Submit(runtime.Transaction{
		Signer:   req.Caller,
		Receiver: p.coordinator,
		Action:   payouts.Payout(req.Receiver, req.Deposit, req.Gas),
	})
	if err != nil {
		p.metrics.RecordError("submit")
		return nil, err
	}

	entry := inflight{
		handle:    handle,
		payer:     req.Caller,
		receiver:  req.Receiver,
		deposit:   new(big.Int).Set(req.Deposit),
		submitted: p.now(),
	}
	p.mu.Lock()
	p.pending[handle.ID] = entry
	p.submitted++
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "payout submitted",
		slog.String("tx_id", handle.ID),
		slog.String("payer", req.Caller.String()),
		slog.String("receiver", req.Receiver.String()),
		slog.String("amount", req.Deposit.String()))

	p.watchers.Add(1)
	go p.watch(entry)
	return handle, nil
}

func (p *Processor) watch(entry inflight) {
	defer p.watchers.Done()
	select {
	case <-entry.handle.Done():
	case <-p.stop:
		select {
		case <-entry.handle.Done():
		default:
			return
		}
	}
	result, _ := entry.handle.Wait(context.Background())

	p.mu.Lock()
	_, tracked := p.pending[entry.handle.ID]
	delete(p.pending, entry.handle.ID)
	p.mu.Unlock()
	if !tracked {
		return
	}

	outcome := payouts.Classify(result)
	destination := ""
	switch outcome {
	case payouts.OutcomePaid:
		destination = "receiver"
	case payouts.OutcomeRefundedIneligible, payouts.OutcomeRefundedTransferFailed:
		destination = "payer"
	case payouts.OutcomeRejected:
		p.metrics.RecordError("rejected")
	case payouts.OutcomeStranded:
		p.metrics.RecordError("stranded")
		p.refreshStranded(context.Background())
	}
	p.metrics.RecordOutcome(string(outcome), destination, entry.deposit)
	p.metrics.ObserveLatency(p.now().Sub(entry.submitted))

	p.mu.Lock()
	p.outcomes[outcome]++
	p.mu.Unlock()

	p.logger.Info("payout finished",
		slog.String("tx_id", entry.handle.ID),
		slog.String("outcome", string(outcome)))
}

// Result returns the classified state of a payout transaction.
func (p *Processor) Result(txID string) (payouts.Summary, bool) {
	p.mu.Lock()
	_, pending := p.pending[txID]
	p.mu.Unlock()
	if result, ok := p.rt.Result(txID); ok {
		return payouts.Summarize(result), true
	}
	if pending {
		return payouts.Summary{TxID: txID, Outcome: payouts.OutcomePending}, true
	}
	return payouts.Summary{}, false
}

// Balance returns the balance of an account.
func (p *Processor) Balance(id identity.AccountID) (*big.Int, error) {
	return p.rt.Balance(id)
}

// Pause halts new payout processing. Chains already in flight complete.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.metrics.SetPause(true)
}

// Resume re-enables payout processing.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.metrics.SetPause(false)
}

// Stranded lists stranded entries.
func (p *Processor) Stranded(ctx context.Context, includeResolved bool) ([]payouts.StrandedEntry, error) {
	if p.stranded == nil {
		return nil, ErrStrandedDisabled
	}
	return p.stranded.List(ctx, includeResolved)
}

// ResolveStranded moves a stranded amount from the coordinator to
// destination, defaulting to the original payer, and marks the entry
// resolved. It is never invoked automatically.
func (p *Processor) ResolveStranded(ctx context.Context, id string, destination identity.AccountID) (payouts.StrandedEntry, error) {
	if p.stranded == nil {
		return payouts.StrandedEntry{}, ErrStrandedDisabled
	}
	p.resolveMu.Lock()
	defer p.resolveMu.Unlock()

	entry, err := p.stranded.Get(ctx, id)
	if err != nil {
		return payouts.StrandedEntry{}, err
	}
	if entry.Resolved() {
		return entry, fmt.Errorf("%w: %s", payouts.ErrStrandedResolved, id)
	}
	if destination == "" {
		destination = entry.Payer
	}
	if err := destination.Validate(); err != nil {
		return entry, fmt.Errorf("payoutd: destination: %w", err)
	}
	result, err := p.rt.Execute(ctx, runtime.Transaction{
		Signer:   p.coordinator,
		Receiver: destination,
		Action:   runtime.Transfer(entry.Amount),
	})
	if err != nil {
		return entry, err
	}
	if !result.Succeeded() {
		return entry, fmt.Errorf("payoutd: resolve transfer failed: %w", result.Err())
	}
	at := p.now().UTC()
	if err := p.stranded.MarkResolved(ctx, id, destination, result.ID, at); err != nil {
		p.logger.Error("stranded transfer sent but not marked resolved",
			slog.String("stranded_id", id),
			slog.String("tx_id", result.ID),
			slog.Any("error", err))
		return entry, err
	}
	p.refreshStranded(ctx)
	p.logger.Info("stranded payout resolved",
		slog.String("stranded_id", id),
		slog.String("destination", destination.String()),
		slog.String("tx_id", result.ID))
	return p.stranded.Get(ctx, id)
}

func (p *Processor) refreshStranded(ctx context.Context) {
	if p.stranded == nil {
		return
	}
	entries, err := p.stranded.List(ctx, false)
	if err != nil {
		p.logger.Warn("list stranded entries", slog.Any("error", err))
		return
	}
	p.metrics.SetStranded(len(entries))
}

// Close stops following in-flight chains. It is called once the runtime
// stopped: every chain that finished is classified, the rest are recorded as
// stranded with reason shutdown since their value may sit with the
// coordinator.
func (p *Processor) Close() {
	p.stopOnce.Do(func() {
		p.strandUnfinished(context.Background())
		close(p.stop)
	})
	p.watchers.Wait()
}

func (p *Processor) strandUnfinished(ctx context.Context) {
	p.mu.Lock()
	var unfinished []inflight
	for id, entry := range p.pending {
		select {
		case <-entry.handle.Done():
			continue
		default:
		}
		unfinished = append(unfinished, entry)
		delete(p.pending, id)
		p.outcomes[payouts.OutcomeStranded]++
	}
	p.mu.Unlock()
	if len(unfinished) == 0 {
		return
	}

	at := p.now().UTC()
	for _, entry := range unfinished {
		p.metrics.RecordError("stranded")
		p.metrics.RecordOutcome(string(payouts.OutcomeStranded), "", entry.deposit)
		attrs := []any{
			slog.String("tx_id", entry.handle.ID),
			slog.String("payer", entry.payer.String()),
			slog.String("receiver", entry.receiver.String()),
			slog.String("amount", entry.deposit.String()),
		}
		if p.stranded == nil {
			p.logger.Error("payout unfinished at shutdown", attrs...)
			continue
		}
		err := p.stranded.Record(ctx, payouts.StrandedEntry{
			ID:         entry.handle.ID,
			Payer:      entry.payer,
			Receiver:   entry.receiver,
			Amount:     entry.deposit,
			Reason:     payouts.ReasonShutdown,
			RecordedAt: at,
		})
		if err != nil {
			p.logger.Error("record payout unfinished at shutdown", append(attrs, slog.Any("error", err))...)
			continue
		}
		p.logger.Warn("payout stranded at shutdown", attrs...)
	}
	p.refreshStranded(ctx)
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused    bool           `json:"paused"`
	Submitted int            `json:"submitted"`
	InFlight  int            `json:"in_flight"`
	Outcomes  map[string]int `json:"outcomes"`
	Stranded  int            `json:"stranded"`
}

// Status reports the current processor status snapshot.
func (p *Processor) Status(ctx context.Context) Status {
	p.mu.Lock()
	status := Status{
		Paused:    p.paused,
		Submitted: p.submitted,
		InFlight:  len(p.pending),
		Outcomes:  make(map[string]int, len(p.outcomes)),
	}
	for outcome, count := range p.outcomes {
		status.Outcomes[string(outcome)] = count
	}
	p.mu.Unlock()
	if p.stranded != nil {
		if entries, err := p.stranded.List(ctx, false); err == nil {
			status.Stranded = len(entries)
		}
	}
	return status
}
