package payoutd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/payouts"
	"whitelistpayouts/runtime"
	"whitelistpayouts/storage"
)

const adminToken = "admin-token"

func near(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil))
}

func newTestDaemon(t *testing.T, mutate func(*Config)) *Daemon {
	t.Helper()
	return startTestDaemon(t, storage.NewMemDB(), mutate)
}

func startTestDaemon(t *testing.T, db storage.Database, mutate func(*Config)) *Daemon {
	t.Helper()
	cfg := Config{
		Factory:          "sputnik",
		DataDir:          t.TempDir(),
		StrandedTracking: true,
		Oracle:           OracleConfig{Entries: []string{"alice"}},
		Auth:             CallerAuthConfig{JWTSecret: testSecret, Issuer: "sputnik", Audience: "payoutd"},
		Admin:            AdminConfig{BearerToken: adminToken, TLS: AdminTLSConfig{Disable: true}},
		RateLimit:        RateLimitConfig{RequestsPerMinute: 6000, Burst: 100},
		Accounts: []GenesisAccount{
			{ID: "sputnik", Balance: near(20).String()},
			{ID: "whitelist-payouts", Balance: near(20).String()},
			{ID: "dao.sputnik", Balance: near(10).String()},
			{ID: "alice", Balance: near(10).String()},
			{ID: "bob", Balance: near(10).String()},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	applyDefaults(&cfg)
	require.NoError(t, validateConfig(cfg))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	daemon, err := NewDaemon(cfg, db, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = daemon.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, daemon.Start(ctx))
	return daemon
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func (c apiClient) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func callerClient(t *testing.T, d *Daemon, caller string) apiClient {
	return apiClient{t: t, handler: d.PublicHandler(), token: signToken(t, testSecret, callerClaims(caller))}
}

func adminClient(t *testing.T, d *Daemon) apiClient {
	return apiClient{t: t, handler: d.AdminHandler(), token: adminToken}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func balanceOf(t *testing.T, client apiClient, account string) string {
	t.Helper()
	rec := client.do(http.MethodGet, "/v1/accounts/"+account, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[accountResponse](t, rec).Balance
}

func TestPayoutToWhitelistedReceiver(t *testing.T) {
	d := newTestDaemon(t, nil)
	client := callerClient(t, d, "dao.sputnik")

	rec := client.do(http.MethodPost, "/v1/payouts?wait=true", submitRequest{AccountID: "alice", Amount: near(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[payouts.Summary](t, rec)
	require.Equal(t, payouts.OutcomePaid, summary.Outcome)
	require.NotEmpty(t, summary.TxID)

	require.Equal(t, near(11).String(), balanceOf(t, client, "alice"))
	require.Equal(t, near(9).String(), balanceOf(t, client, "dao.sputnik"))
	require.Equal(t, near(20).String(), balanceOf(t, client, "whitelist-payouts"))

	rec = client.do(http.MethodGet, "/v1/payouts/"+summary.TxID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payouts.OutcomePaid, decode[payouts.Summary](t, rec).Outcome)
}

func TestPayoutToIneligibleReceiverRefunds(t *testing.T) {
	d := newTestDaemon(t, nil)
	client := callerClient(t, d, "dao.sputnik")

	rec := client.do(http.MethodPost, "/v1/payouts?wait=true", submitRequest{AccountID: "bob", Amount: near(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[payouts.Summary](t, rec)
	require.Equal(t, payouts.OutcomeRefundedIneligible, summary.Outcome)
	require.Contains(t, summary.Logs, payouts.LogNotWhitelisted)

	require.Equal(t, near(10).String(), balanceOf(t, client, "bob"))
	require.Equal(t, near(10).String(), balanceOf(t, client, "dao.sputnik"))
}

func TestPayoutFromUnauthorizedCallerRejected(t *testing.T) {
	d := newTestDaemon(t, nil)
	client := callerClient(t, d, "bob")

	rec := client.do(http.MethodPost, "/v1/payouts?wait=true", submitRequest{AccountID: "alice", Amount: near(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[payouts.Summary](t, rec)
	require.Equal(t, payouts.OutcomeRejected, summary.Outcome)
	require.Contains(t, summary.Failure, payouts.ErrUnauthorizedCaller.Error())
	require.Equal(t, near(10).String(), balanceOf(t, client, "bob"))
	require.Equal(t, near(10).String(), balanceOf(t, client, "alice"))
}

func TestPublicAPIRequestValidation(t *testing.T) {
	d := newTestDaemon(t, nil)
	anonymous := apiClient{t: t, handler: d.PublicHandler()}
	client := callerClient(t, d, "dao.sputnik")

	require.Equal(t, http.StatusOK, anonymous.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusUnauthorized, anonymous.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: "1"}).Code)
	require.Equal(t, http.StatusBadRequest, client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "Alice!", Amount: "1"}).Code)
	require.Equal(t, http.StatusBadRequest, client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: "-1"}).Code)
	require.Equal(t, http.StatusBadRequest, client.do(http.MethodPost, "/v1/payouts", map[string]string{"receiver": "alice"}).Code)
	require.Equal(t, http.StatusUnprocessableEntity, client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: near(100).String()}).Code)
	require.Equal(t, http.StatusNotFound, client.do(http.MethodGet, "/v1/payouts/unknown", nil).Code)
	require.Equal(t, http.StatusNotFound, client.do(http.MethodGet, "/v1/accounts/charlie", nil).Code)
}

func TestAdminPauseAndStatus(t *testing.T) {
	d := newTestDaemon(t, nil)
	client := callerClient(t, d, "dao.sputnik")
	admin := adminClient(t, d)

	require.Equal(t, http.StatusUnauthorized, apiClient{t: t, handler: d.AdminHandler()}.do(http.MethodPost, "/pause", nil).Code)
	require.Equal(t, http.StatusNoContent, admin.do(http.MethodPost, "/pause", nil).Code)

	rec := client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: "100"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status := decode[adminStatus](t, admin.do(http.MethodGet, "/status", nil))
	require.True(t, status.Paused)
	require.Equal(t, OracleModeLocal, status.Oracle)

	require.Equal(t, http.StatusNoContent, admin.do(http.MethodPost, "/resume", nil).Code)
	rec = client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: "100"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	txID := decode[submitResponse](t, rec).TxID

	require.Eventually(t, func() bool {
		rec := client.do(http.MethodGet, "/v1/payouts/"+txID, nil)
		return rec.Code == http.StatusOK && decode[payouts.Summary](t, rec).Outcome == payouts.OutcomePaid
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status := decode[adminStatus](t, admin.do(http.MethodGet, "/status", nil))
		return !status.Paused && status.InFlight == 0 && status.Outcomes[string(payouts.OutcomePaid)] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdminResolvesStrandedPayout(t *testing.T) {
	d := newTestDaemon(t, nil)
	client := callerClient(t, d, "dao.sputnik")
	admin := adminClient(t, d)
	ctx := context.Background()

	require.NoError(t, d.stranded.Record(ctx, payouts.StrandedEntry{
		ID:         "stranded-1",
		Payer:      "dao.sputnik",
		Receiver:   "alice",
		Amount:     near(2),
		Reason:     payouts.ReasonTransferFail,
		RecordedAt: time.Now().UTC(),
	}))

	open := decode[[]payouts.StrandedEntry](t, admin.do(http.MethodGet, "/stranded", nil))
	require.Len(t, open, 1)

	rec := admin.do(http.MethodPost, "/stranded/stranded-1/resolve", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[payouts.StrandedEntry](t, rec)
	require.True(t, resolved.Resolved())
	require.Equal(t, "dao.sputnik", resolved.Destination.String())
	require.NotEmpty(t, resolved.ResolveTx)

	require.Equal(t, near(12).String(), balanceOf(t, client, "dao.sputnik"))
	require.Equal(t, near(18).String(), balanceOf(t, client, "whitelist-payouts"))

	require.Equal(t, http.StatusConflict, admin.do(http.MethodPost, "/stranded/stranded-1/resolve", nil).Code)
	require.Equal(t, http.StatusNotFound, admin.do(http.MethodPost, "/stranded/missing/resolve", nil).Code)
	require.Empty(t, decode[[]payouts.StrandedEntry](t, admin.do(http.MethodGet, "/stranded", nil)))
	require.Len(t, decode[[]payouts.StrandedEntry](t, admin.do(http.MethodGet, "/stranded?all=true", nil)), 1)
}

func TestAdminStrandedDisabled(t *testing.T) {
	d := newTestDaemon(t, func(cfg *Config) { cfg.StrandedTracking = false })
	admin := adminClient(t, d)
	require.Equal(t, http.StatusNotImplemented, admin.do(http.MethodGet, "/stranded", nil).Code)
}

func TestPayoutWithRemoteOracle(t *testing.T) {
	srv, hits := newAllowlistServer(t, "bob")
	d := newTestDaemon(t, func(cfg *Config) {
		cfg.Oracle = OracleConfig{Mode: OracleModeRemote, URL: srv.URL}
	})
	client := callerClient(t, d, "dao.sputnik")

	rec := client.do(http.MethodPost, "/v1/payouts?wait=true", submitRequest{AccountID: "bob", Amount: near(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, payouts.OutcomePaid, decode[payouts.Summary](t, rec).Outcome)

	rec = client.do(http.MethodPost, "/v1/payouts?wait=true", submitRequest{AccountID: "alice", Amount: near(1).String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, payouts.OutcomeRefundedIneligible, decode[payouts.Summary](t, rec).Outcome)
	require.EqualValues(t, 2, hits.Load())

	status := decode[adminStatus](t, adminClient(t, d).do(http.MethodGet, "/status", nil))
	require.Equal(t, "remote:closed", status.Oracle)
}

func TestDaemonRestartKeepsCoordinatorConfig(t *testing.T) {
	d := newTestDaemon(t, nil)
	raw, err := d.runtime.View(context.Background(), d.coordinator, payouts.MethodGetConfig, nil)
	require.NoError(t, err)
	var cfg payouts.Config
	require.NoError(t, json.Unmarshal(raw, &cfg))
	require.Equal(t, "sputnik", cfg.Factory.String())
	require.Equal(t, "smart-whitelist", cfg.Oracle.String())

	// A second start finds both contracts initialised and only re-adds entries.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.initAllowlist(ctx))
	require.NoError(t, d.initCoordinator(ctx))
}

func TestPublicAPIRejectsGasAboveLimit(t *testing.T) {
	d := newTestDaemon(t, nil)
	client := callerClient(t, d, "dao.sputnik")

	rec := client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: near(1).String(), GasTGas: 18446745})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "gas_tgas")
	rec = client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: near(1).String(), GasTGas: 301})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Equal(t, near(10).String(), balanceOf(t, client, "dao.sputnik"))

	rec = client.do(http.MethodPost, "/v1/payouts?wait=true", submitRequest{AccountID: "alice", Amount: near(1).String(), GasTGas: 300})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, payouts.OutcomePaid, decode[payouts.Summary](t, rec).Outcome)
}

// blockingOracle answers nothing until the request is cancelled.
func blockingOracle(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	called := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(called) })
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, called
}

func TestCloseSettlesPayoutWaitingOnOracle(t *testing.T) {
	srv, called := blockingOracle(t)
	db := storage.NewMemDB()
	d := startTestDaemon(t, db, func(cfg *Config) {
		cfg.Oracle = OracleConfig{Mode: OracleModeRemote, URL: srv.URL, Timeout: Duration{Duration: time.Minute}}
		cfg.ServiceTimeScale = Duration{Duration: time.Minute}
	})
	client := callerClient(t, d, "dao.sputnik")

	rec := client.do(http.MethodPost, "/v1/payouts", submitRequest{AccountID: "alice", Amount: near(1).String()})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	txID := decode[submitResponse](t, rec).TxID
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("oracle was not called")
	}
	require.Equal(t, near(21).String(), balanceOf(t, client, "whitelist-payouts"))

	require.NoError(t, d.Close())

	summary, ok := d.Processor().Result(txID)
	require.True(t, ok)
	require.Equal(t, payouts.OutcomeRefundedIneligible, summary.Outcome)
	_, err := d.Processor().Submit(context.Background(), PayoutRequest{Caller: "dao.sputnik", Receiver: "alice", Deposit: near(1)})
	require.ErrorIs(t, err, ErrProcessorPaused)

	restarted := runtime.New(db)
	for account, want := range map[identity.AccountID]*big.Int{"whitelist-payouts": near(20), "dao.sputnik": near(10), "alice": near(10)} {
		got, err := restarted.Balance(account)
		require.NoError(t, err)
		require.Equal(t, want.String(), got.String(), account.String())
	}

	store, err := OpenStrandedStore(filepath.Join(d.cfg.DataDir, "stranded.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	entries, err := store.List(context.Background(), true)
	require.NoError(t, err)
	require.Empty(t, entries)
}

type closeErrDB struct {
	*storage.MemDB
}

func (closeErrDB) Close() error { return errors.New("ledger flush failed") }

func TestCloseReportsDatabaseError(t *testing.T) {
	d := startTestDaemon(t, closeErrDB{MemDB: storage.NewMemDB()}, nil)
	err := d.Close()
	require.ErrorContains(t, err, "ledger flush failed")
	require.NoError(t, d.Close())
}
