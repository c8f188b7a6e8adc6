package payoutd

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/payouts"
	"whitelistpayouts/runtime"
	"whitelistpayouts/storage"
)

const (
	testCoordinator identity.AccountID = "whitelist-payouts"
	testOracle      identity.AccountID = "smart-whitelist"
)

// newPayoutRuntime deploys an initialised coordinator whose oracle is svc.
func newPayoutRuntime(t *testing.T, svc runtime.Service, opts ...runtime.Option) (*runtime.Runtime, context.CancelFunc) {
	t.Helper()
	base := []runtime.Option{runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	rt := runtime.New(storage.NewMemDB(), append(base, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rt.Stopped()
	})

	for id, amount := range map[identity.AccountID]int64{"sputnik": 20, testCoordinator: 20, testOracle: 0, "dao.sputnik": 10, "alice": 10} {
		require.NoError(t, rt.CreateAccount(id, near(amount)))
	}
	require.NoError(t, rt.Mount(testOracle, svc))
	require.NoError(t, rt.Deploy(testCoordinator, payouts.New(payouts.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))))

	initCtx, initCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer initCancel()
	result, err := rt.Execute(initCtx, runtime.Transaction{
		Signer:   testCoordinator,
		Receiver: testCoordinator,
		Action:   payouts.Initialize("sputnik", testOracle),
	})
	require.NoError(t, err)
	require.True(t, result.Succeeded(), "%v", result.Err())
	return rt, cancel
}

func TestProcessorCloseStrandsUnfinishedPayouts(t *testing.T) {
	called := make(chan struct{})
	oracle := runtime.ServiceFunc(func(ctx context.Context, _ runtime.ServiceCall) ([]byte, error) {
		close(called)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rt, stop := newPayoutRuntime(t, oracle,
		runtime.WithServiceTimeScale(time.Minute),
		runtime.WithShutdownGrace(0))
	ledger := payouts.NewMemoryStrandedLedger()
	recorded := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	proc := NewProcessor(rt, testCoordinator,
		WithStrandedLedger(ledger),
		WithClock(func() time.Time { return recorded }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	handle, err := proc.Submit(context.Background(), PayoutRequest{Caller: "dao.sputnik", Receiver: "alice", Deposit: near(1)})
	require.NoError(t, err)
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("oracle was not called")
	}

	stop()
	<-rt.Stopped()
	require.Equal(t, 1, rt.Pending())
	proc.Close()

	entry, err := ledger.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	require.Equal(t, payouts.ReasonShutdown, entry.Reason)
	require.Equal(t, identity.AccountID("dao.sputnik"), entry.Payer)
	require.Equal(t, identity.AccountID("alice"), entry.Receiver)
	require.Equal(t, near(1).String(), entry.Amount.String())
	require.Equal(t, recorded, entry.RecordedAt)

	// The stranded amount is what the coordinator holds above its float.
	balance, err := rt.Balance(testCoordinator)
	require.NoError(t, err)
	require.Equal(t, near(21).String(), balance.String())

	status := proc.Status(context.Background())
	require.Zero(t, status.InFlight)
	require.Equal(t, 1, status.Outcomes[string(payouts.OutcomeStranded)])
	require.Equal(t, 1, status.Stranded)
	_, ok := proc.Result(handle.ID)
	require.False(t, ok)
}

func TestProcessorCloseKeepsFinishedOutcomes(t *testing.T) {
	oracle := runtime.ServiceFunc(func(context.Context, runtime.ServiceCall) ([]byte, error) {
		return []byte("true"), nil
	})
	rt, stop := newPayoutRuntime(t, oracle)
	ledger := payouts.NewMemoryStrandedLedger()
	proc := NewProcessor(rt, testCoordinator,
		WithStrandedLedger(ledger),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	handle, err := proc.Submit(context.Background(), PayoutRequest{Caller: "dao.sputnik", Receiver: "alice", Deposit: near(1)})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = handle.Wait(ctx)
	require.NoError(t, err)

	stop()
	<-rt.Stopped()
	proc.Close()

	entries, err := ledger.List(context.Background(), true)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, 1, proc.Status(context.Background()).Outcomes[string(payouts.OutcomePaid)])
}
