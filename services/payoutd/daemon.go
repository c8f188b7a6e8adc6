package payoutd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"whitelistpayouts/core/identity"
	"whitelistpayouts/native/allowlist"
	"whitelistpayouts/native/payouts"
	"whitelistpayouts/runtime"
	"whitelistpayouts/storage"
)

// Daemon owns the runtime, its stores and both HTTP surfaces.
type Daemon struct {
	cfg         Config
	logger      *slog.Logger
	db          storage.Database
	stranded    *StrandedStore
	runtime     *runtime.Runtime
	processor   *Processor
	oracle      *RemoteOracle
	public      *Server
	admin       *AdminServer
	coordinator identity.AccountID
	factory     identity.AccountID
	oracleID    identity.AccountID

	loopCancel context.CancelFunc
	loopDone   chan error
	closeOnce  sync.Once
}

// NewDaemon opens the stores, seeds genesis accounts and deploys the payout
// contracts. The event loop is not started until Start.
func NewDaemon(cfg Config, db storage.Database, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		coordinator: identity.MustParseAccountID(cfg.Coordinator),
		factory:     identity.MustParseAccountID(cfg.Factory),
		oracleID:    identity.MustParseAccountID(cfg.Oracle.Account),
	}
	d.runtime = runtime.New(db,
		runtime.WithLogger(logger.With(slog.String("component", "runtime"))),
		runtime.WithServiceTimeScale(cfg.ServiceTimeScale.Duration),
		runtime.WithShutdownGrace(cfg.ShutdownGrace.Duration),
	)
	if err := d.seedAccounts(); err != nil {
		return nil, err
	}

	contractOpts := []payouts.Option{payouts.WithLogger(logger.With(slog.String("component", "payouts")))}
	procOpts := []ProcessorOption{WithLogger(logger.With(slog.String("component", "processor")))}
	if cfg.StrandedTracking {
		store, err := OpenStrandedStore(filepath.Join(cfg.DataDir, "stranded.db"), nil)
		if err != nil {
			return nil, fmt.Errorf("open stranded store: %w", err)
		}
		d.stranded = store
		contractOpts = append(contractOpts, payouts.WithStrandedLedger(store))
		procOpts = append(procOpts, WithStrandedLedger(store))
	}
	if err := d.runtime.Deploy(d.coordinator, payouts.New(contractOpts...)); err != nil {
		return nil, d.abort(fmt.Errorf("deploy coordinator: %w", err))
	}
	switch cfg.Oracle.Mode {
	case OracleModeRemote:
		oracle, err := NewRemoteOracle(cfg.Oracle, &http.Client{
			Timeout:   cfg.Oracle.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}, logger.With(slog.String("component", "oracle")))
		if err != nil {
			return nil, d.abort(err)
		}
		if err := d.runtime.Mount(d.oracleID, oracle); err != nil {
			return nil, d.abort(fmt.Errorf("mount oracle: %w", err))
		}
		d.oracle = oracle
	default:
		if err := d.runtime.Deploy(d.oracleID, allowlist.New()); err != nil {
			return nil, d.abort(fmt.Errorf("deploy allow-list: %w", err))
		}
	}

	d.processor = NewProcessor(d.runtime, d.coordinator, procOpts...)
	if cfg.PauseOnStart {
		d.processor.Pause()
	}

	callers, err := NewCallerAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, d.abort(err)
	}
	public, err := NewServer(ServerConfig{
		Processor: d.processor,
		Callers:   callers,
		Limiter:   NewRateLimiter(cfg.RateLimit),
		Logger:    logger.With(slog.String("component", "http")),
	})
	if err != nil {
		return nil, d.abort(err)
	}
	d.public = public
	adminAuth, err := NewAuthenticator(AuthConfig{BearerToken: cfg.Admin.BearerToken, AllowMTLS: cfg.Admin.MTLS.Enabled})
	if err != nil {
		return nil, d.abort(err)
	}
	d.admin = NewAdminServer(d.processor, adminAuth, d.oracleState)
	return d, nil
}

func (d *Daemon) seedAccounts() error {
	for _, account := range d.cfg.Accounts {
		id := identity.MustParseAccountID(account.ID)
		if d.runtime.AccountExists(id) {
			continue
		}
		balance, err := parseAmount(account.Balance)
		if err != nil {
			return fmt.Errorf("accounts %s: %w", account.ID, err)
		}
		if err := d.runtime.CreateAccount(id, balance); err != nil {
			return fmt.Errorf("create account %s: %w", account.ID, err)
		}
		d.logger.Info("genesis account created", slog.String("account", id.String()), slog.String("balance", balance.String()))
	}
	for _, id := range []identity.AccountID{d.coordinator, d.oracleID} {
		if d.runtime.AccountExists(id) {
			continue
		}
		if err := d.runtime.CreateAccount(id, nil); err != nil {
			return fmt.Errorf("create account %s: %w", id, err)
		}
	}
	return nil
}

func (d *Daemon) oracleState() string {
	if d.oracle == nil {
		return d.cfg.Oracle.Mode
	}
	return d.cfg.Oracle.Mode + ":" + d.oracle.State()
}

// Processor exposes the payout processor.
func (d *Daemon) Processor() *Processor { return d.processor }

// PublicHandler is the caller facing API.
func (d *Daemon) PublicHandler() http.Handler { return d.public.Handler() }

// AdminHandler is the operator API.
func (d *Daemon) AdminHandler() http.Handler { return d.admin }

// Start runs the event loop and initialises the deployed contracts.
func (d *Daemon) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	d.loopCancel = cancel
	d.loopDone = make(chan error, 1)
	go func() { d.loopDone <- d.runtime.Run(loopCtx) }()

	if d.cfg.Oracle.Mode == OracleModeLocal {
		if err := d.initAllowlist(ctx); err != nil {
			return err
		}
	}
	return d.initCoordinator(ctx)
}

func (d *Daemon) initCoordinator(ctx context.Context) error {
	raw, err := d.runtime.View(ctx, d.coordinator, payouts.MethodGetConfig, nil)
	switch {
	case err == nil:
		var current payouts.Config
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode coordinator config: %w", err)
		}
		if current.Factory != d.factory || current.Oracle != d.oracleID {
			d.logger.Warn("coordinator already initialised with different settings",
				slog.String("factory", current.Factory.String()),
				slog.String("oracle", current.Oracle.String()))
		}
		return nil
	case !errors.Is(err, payouts.ErrNotInitialized):
		return fmt.Errorf("read coordinator config: %w", err)
	}
	result, err := d.runtime.Execute(ctx, runtime.Transaction{
		Signer:   d.coordinator,
		Receiver: d.coordinator,
		Action:   payouts.Initialize(d.factory, d.oracleID),
	})
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("initialise coordinator: %w", result.Err())
	}
	d.logger.Info("coordinator initialised",
		slog.String("coordinator", d.coordinator.String()),
		slog.String("factory", d.factory.String()),
		slog.String("oracle", d.oracleID.String()))
	return nil
}

func (d *Daemon) initAllowlist(ctx context.Context) error {
	_, err := d.runtime.View(ctx, d.oracleID, allowlist.MethodIsWhitelisted, allowlist.Query(d.oracleID))
	if errors.Is(err, allowlist.ErrNotInitialized) {
		if err := d.executeOracle(ctx, allowlist.Initialize(d.oracleID)); err != nil {
			return fmt.Errorf("initialise allow-list: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read allow-list: %w", err)
	}
	for _, entry := range d.cfg.Oracle.Entries {
		if err := d.executeOracle(ctx, allowlist.Add(identity.MustParseAccountID(entry))); err != nil {
			return fmt.Errorf("add %s to allow-list: %w", entry, err)
		}
	}
	return nil
}

func (d *Daemon) executeOracle(ctx context.Context, action runtime.Action) error {
	result, err := d.runtime.Execute(ctx, runtime.Transaction{Signer: d.oracleID, Receiver: d.oracleID, Action: action})
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return result.Err()
	}
	return nil
}

// Serve listens on the public and admin addresses until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	adminTLS, err := d.adminTLSConfig()
	if err != nil {
		return err
	}
	publicServer := &http.Server{
		Addr:         d.cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(d.PublicHandler(), "payoutd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         d.cfg.AdminListenAddress,
		Handler:      otelhttp.NewHandler(d.AdminHandler(), "payoutd.admin"),
		TLSConfig:    adminTLS,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		d.logger.Info("payoutd listening", slog.String("address", d.cfg.ListenAddress))
		errs <- publicServer.ListenAndServe()
	}()
	go func() {
		d.logger.Info("payoutd admin listening", slog.String("address", d.cfg.AdminListenAddress), slog.Bool("tls", adminTLS != nil))
		if adminTLS != nil {
			errs <- adminServer.ListenAndServeTLS(d.cfg.Admin.TLS.CertPath, d.cfg.Admin.TLS.KeyPath)
			return
		}
		errs <- adminServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{publicServer, adminServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
	}
	return serveErr
}

func (d *Daemon) adminTLSConfig() (*tls.Config, error) {
	if d.cfg.Admin.TLS.Disable {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.cfg.Admin.MTLS.Enabled {
		pool := x509.NewCertPool()
		if path := d.cfg.Admin.MTLS.ClientCAPath; path != "" {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read client ca: %w", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("client ca: no certificates found")
			}
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}

// Close rejects new payouts, lets the runtime drain the chains in flight for
// up to the shutdown grace and releases the stores. Chains that still have
// not finished are recorded as stranded with reason shutdown.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.processor != nil {
			d.processor.Pause()
		}
		if d.loopCancel != nil {
			d.loopCancel()
			<-d.loopDone
		}
		if d.processor != nil {
			d.processor.Close()
		}
		err = d.closeStores()
	})
	return err
}

// abort releases what NewDaemon opened. The database belongs to the caller
// until NewDaemon succeeds.
func (d *Daemon) abort(err error) error {
	if d.stranded != nil {
		return errors.Join(err, d.stranded.Close())
	}
	return err
}

func (d *Daemon) closeStores() error {
	var strandedErr error
	if d.stranded != nil {
		strandedErr = d.stranded.Close()
	}
	return errors.Join(strandedErr, d.db.Close())
}
