package payoutd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/payouts"
	"whitelistpayouts/runtime"
)

func oracleCall(t *testing.T, account string) runtime.ServiceCall {
	t.Helper()
	args, err := json.Marshal(payouts.PayoutArgs{AccountID: identity.AccountID(account)})
	require.NoError(t, err)
	return runtime.ServiceCall{
		Caller:   "whitelist-payouts",
		Receiver: "smart-whitelist",
		Method:   payouts.OracleMethod,
		Args:     args,
	}
}

func newAllowlistServer(t *testing.T, members ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	allowed := make(map[string]bool, len(members))
	for _, member := range members {
		allowed[member] = true
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		account := strings.TrimPrefix(r.URL.Path, "/v1/whitelist/")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(whitelistResponse{Whitelisted: allowed[account]})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRemoteOracleAnswers(t *testing.T) {
	srv, hits := newAllowlistServer(t, "alice")
	oracle, err := NewRemoteOracle(OracleConfig{URL: srv.URL + "/", Timeout: Duration{Duration: time.Second}}, nil, nil)
	require.NoError(t, err)

	out, err := oracle.Invoke(context.Background(), oracleCall(t, "alice"))
	require.NoError(t, err)
	require.JSONEq(t, "true", string(out))

	out, err = oracle.Invoke(context.Background(), oracleCall(t, "bob"))
	require.NoError(t, err)
	require.JSONEq(t, "false", string(out))
	require.EqualValues(t, 2, hits.Load())
}

func TestRemoteOracleRejectsOtherMethods(t *testing.T) {
	srv, hits := newAllowlistServer(t)
	oracle, err := NewRemoteOracle(OracleConfig{URL: srv.URL}, nil, nil)
	require.NoError(t, err)

	call := oracleCall(t, "alice")
	call.Method = "add"
	_, err = oracle.Invoke(context.Background(), call)
	require.Error(t, err)

	call = oracleCall(t, "alice")
	call.Args = []byte(`{"account_id":"NOT VALID"}`)
	_, err = oracle.Invoke(context.Background(), call)
	require.Error(t, err)
	require.Zero(t, hits.Load())
}

func TestRemoteOracleBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	oracle, err := NewRemoteOracle(OracleConfig{
		URL:     srv.URL,
		Breaker: BreakerConfig{ConsecutiveFailures: 2, Timeout: Duration{Duration: time.Minute}},
	}, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := oracle.Invoke(context.Background(), oracleCall(t, "alice"))
		require.ErrorContains(t, err, "unexpected status 502")
	}
	require.Equal(t, "open", oracle.State())

	_, err = oracle.Invoke(context.Background(), oracleCall(t, "alice"))
	require.Error(t, err)
	require.EqualValues(t, 2, hits.Load())
}

func TestNewRemoteOracleValidatesURL(t *testing.T) {
	_, err := NewRemoteOracle(OracleConfig{URL: "ftp://allowlist"}, nil, nil)
	require.Error(t, err)
}
