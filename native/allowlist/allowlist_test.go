package allowlist_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/allowlist"
	"whitelistpayouts/runtime"
	"whitelistpayouts/storage"
)

func setup(t *testing.T) *runtime.Runtime {
	t.Helper()
	rt := runtime.New(storage.NewMemDB(), runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	for _, id := range []identity.AccountID{"smart-whitelist", "whitelist-admin", "alice"} {
		require.NoError(t, rt.CreateAccount(id, big.NewInt(10)))
	}
	require.NoError(t, rt.Deploy("smart-whitelist", allowlist.New()))
	result := execute(t, rt, "smart-whitelist", allowlist.Initialize("whitelist-admin"))
	require.True(t, result.Succeeded(), result.Err())
	return rt
}

func execute(t *testing.T, rt *runtime.Runtime, signer identity.AccountID, action runtime.Action) *runtime.TransactionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := rt.Execute(ctx, runtime.Transaction{Signer: signer, Receiver: "smart-whitelist", Action: action})
	require.NoError(t, err)
	return result
}

func isWhitelisted(t *testing.T, rt *runtime.Runtime, id identity.AccountID) bool {
	t.Helper()
	ret, err := rt.View(context.Background(), "smart-whitelist", allowlist.MethodIsWhitelisted, allowlist.Query(id))
	require.NoError(t, err)
	var ok bool
	require.NoError(t, json.Unmarshal(ret, &ok))
	return ok
}

func TestOwnerManagesMembers(t *testing.T) {
	rt := setup(t)
	require.False(t, isWhitelisted(t, rt, "alice"))

	require.True(t, execute(t, rt, "whitelist-admin", allowlist.Add("alice")).Succeeded())
	require.True(t, isWhitelisted(t, rt, "alice"))
	require.False(t, isWhitelisted(t, rt, "charlie"))

	require.True(t, execute(t, rt, "whitelist-admin", allowlist.Remove("alice")).Succeeded())
	require.False(t, isWhitelisted(t, rt, "alice"))
}

func TestOnlyOwnerCanEdit(t *testing.T) {
	rt := setup(t)
	result := execute(t, rt, "alice", allowlist.Add("alice"))
	require.ErrorIs(t, result.Err(), allowlist.ErrNotOwner)
	require.False(t, isWhitelisted(t, rt, "alice"))
}

func TestInitializeOnce(t *testing.T) {
	rt := setup(t)
	result := execute(t, rt, "alice", allowlist.Initialize("alice"))
	require.ErrorIs(t, result.Err(), allowlist.ErrAlreadyInitialized)
}

func TestRejectsMalformedAccount(t *testing.T) {
	rt := setup(t)
	_, err := rt.View(context.Background(), "smart-whitelist", allowlist.MethodIsWhitelisted, []byte(`{"account_id":"Not Valid"}`))
	require.ErrorIs(t, err, allowlist.ErrInvalidArguments)
}
