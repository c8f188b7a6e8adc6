package payoutd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"

	"whitelistpayouts/native/payouts"
	"whitelistpayouts/runtime"
)

// RemoteOracle answers is_whitelisted by querying an HTTP allow-list. It is
// mounted on the oracle account as a runtime service.
type RemoteOracle struct {
	baseURL *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

type whitelistResponse struct {
	Whitelisted bool `json:"whitelisted"`
}

// NewRemoteOracle builds the client. A nil client uses one bounded by the
// configured timeout.
func NewRemoteOracle(cfg OracleConfig, client *http.Client, logger *slog.Logger) (*RemoteOracle, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.URL), "/"))
	if err != nil {
		return nil, fmt.Errorf("oracle url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("oracle url: unsupported scheme %q", base.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout.Duration}
	}
	if logger == nil {
		logger = slog.Default()
	}
	oracle := &RemoteOracle{baseURL: base, client: client, logger: logger}
	threshold := cfg.Breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	oracle.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval.Duration,
		Timeout:     cfg.Breaker.Timeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("oracle circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return oracle, nil
}

// Invoke implements runtime.Service.
func (o *RemoteOracle) Invoke(ctx context.Context, call runtime.ServiceCall) ([]byte, error) {
	if call.Method != payouts.OracleMethod {
		return nil, fmt.Errorf("oracle: unsupported method %q", call.Method)
	}
	var args payouts.PayoutArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return nil, fmt.Errorf("oracle: decode args: %w", err)
	}
	if err := args.AccountID.Validate(); err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	answer, err := o.breaker.Execute(func() (interface{}, error) {
		return o.lookup(ctx, args.AccountID.String())
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(answer.(bool))
}

// State reports the breaker state for status endpoints.
func (o *RemoteOracle) State() string {
	return o.breaker.State().String()
}

func (o *RemoteOracle) lookup(ctx context.Context, account string) (bool, error) {
	endpoint := o.baseURL.JoinPath("v1", "whitelist", account)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("oracle: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}
	var body whitelistResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return false, fmt.Errorf("oracle: decode response: %w", err)
	}
	return body.Whitelisted, nil
}
