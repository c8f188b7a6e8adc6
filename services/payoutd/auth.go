package payoutd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"whitelistpayouts/core/identity"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// Authenticator validates incoming admin requests.
type Authenticator struct {
	bearerToken []byte
	allowMTLS   bool
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	return &Authenticator{bearerToken: []byte(token), allowMTLS: cfg.AllowMTLS}, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if a.authenticateByBearer(r) || a.authenticateByMTLS(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticateByBearer(r *http.Request) bool {
	if len(a.bearerToken) == 0 {
		return false
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), a.bearerToken) == 1
}

func (a *Authenticator) authenticateByMTLS(r *http.Request) bool {
	if !a.allowMTLS || r.TLS == nil {
		return false
	}
	state := r.TLS
	return len(state.VerifiedChains) > 0 || (len(state.PeerCertificates) > 0 && state.HandshakeComplete)
}

func parseBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type callerContextKey struct{}

// CallerFromContext returns the account authenticated by CallerAuthenticator.
func CallerFromContext(ctx context.Context) (identity.AccountID, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(identity.AccountID)
	return caller, ok
}

// CallerAuthenticator verifies HS256 JWTs on the public API. The subject
// claim names the account the payout is signed by.
type CallerAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	logger   *slog.Logger
}

// NewCallerAuthenticator builds the JWT verifier.
func NewCallerAuthenticator(cfg CallerAuthConfig, logger *slog.Logger) (*CallerAuthenticator, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallerAuthenticator{
		secret:   []byte(secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew.Duration,
		logger:   logger,
	}, nil
}

// Middleware rejects requests without a valid token and stores the caller in
// the request context.
func (a *CallerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := parseBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		caller, err := a.Verify(raw)
		if err != nil {
			a.logger.Warn("caller token rejected", slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify validates the token and returns the subject account.
func (a *CallerAuthenticator) Verify(raw string) (identity.AccountID, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.skew),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("token invalid")
	}
	return identity.ParseAccountID(claims.Subject)
}
