package payoutd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whitelistpayouts/runtime"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeFile(t, "payoutd.yaml", `
factory: sputnik
oracle:
  entries: [alice]
auth:
  jwt_secret: secret
admin:
  bearer_token: admin-token
accounts:
  - id: dao.sputnik
    balance: "1000"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7082", cfg.ListenAddress)
	require.Equal(t, ":7083", cfg.AdminListenAddress)
	require.Equal(t, "whitelist-payouts", cfg.Coordinator)
	require.Equal(t, OracleModeLocal, cfg.Oracle.Mode)
	require.Equal(t, "smart-whitelist", cfg.Oracle.Account)
	require.Equal(t, 2*time.Second, cfg.Oracle.Timeout.Duration)
	require.Equal(t, uint32(5), cfg.Oracle.Breaker.ConsecutiveFailures)
	require.Equal(t, 200*time.Millisecond, cfg.ServiceTimeScale.Duration)
	require.Equal(t, runtime.DefaultShutdownGrace, cfg.ShutdownGrace.Duration)
	require.Equal(t, 60.0, cfg.RateLimit.RequestsPerMinute)
	require.Equal(t, 10, cfg.RateLimit.Burst)
	require.True(t, cfg.Admin.TLS.Disable)
	require.Len(t, cfg.Accounts, 1)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeFile(t, "payoutd.toml", `
factory = "sputnik"
coordinator = "payouts"
stranded_tracking = true
service_time_scale = "50ms"

[oracle]
mode = "remote"
url = "http://allowlist.local"
timeout = "750ms"

[auth]
jwt_secret = "secret"
issuer = "sputnik"

[admin]
bearer_token = "admin-token"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "payouts", cfg.Coordinator)
	require.True(t, cfg.StrandedTracking)
	require.Equal(t, OracleModeRemote, cfg.Oracle.Mode)
	require.Equal(t, 750*time.Millisecond, cfg.Oracle.Timeout.Duration)
	require.Equal(t, 50*time.Millisecond, cfg.ServiceTimeScale.Duration)
	require.Equal(t, "sputnik", cfg.Auth.Issuer)
}

func TestLoadConfigSecretFiles(t *testing.T) {
	secret := writeFile(t, "jwt.secret", "  from-file\n")
	token := writeFile(t, "admin.token", "admin-from-file\n")
	path := writeFile(t, "payoutd.yaml", `
factory: sputnik
auth:
  jwt_secret_file: `+secret+`
admin:
  bearer_token_file: `+token+`
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Auth.JWTSecret)
	require.Equal(t, "admin-from-file", cfg.Admin.BearerToken)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing factory": `
auth: {jwt_secret: s}
admin: {bearer_token: t}
`,
		"remote without url": `
factory: sputnik
oracle: {mode: remote}
auth: {jwt_secret: s}
admin: {bearer_token: t}
`,
		"unknown mode": `
factory: sputnik
oracle: {mode: chain}
auth: {jwt_secret: s}
admin: {bearer_token: t}
`,
		"missing jwt secret": `
factory: sputnik
admin: {bearer_token: t}
`,
		"missing admin auth": `
factory: sputnik
auth: {jwt_secret: s}
`,
		"bad entry": `
factory: sputnik
oracle: {entries: ["Not Valid"]}
auth: {jwt_secret: s}
admin: {bearer_token: t}
`,
		"negative balance": `
factory: sputnik
auth: {jwt_secret: s}
admin: {bearer_token: t}
accounts: [{id: alice, balance: "-1"}]
`,
		"mtls without tls": `
factory: sputnik
auth: {jwt_secret: s}
admin:
  mtls: {enabled: true}
`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "payoutd.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte("")))
	require.Zero(t, d.Duration)
}
