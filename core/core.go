// Package core wires every sentinel component into a SecurityCore: the
// login flow, MFA enrollment, sessions, API keys and the event → threat →
// incident pipeline.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	sentinel "github.com/chimerakang/sentinel-go"
	"github.com/chimerakang/sentinel-go/apikey"
	"github.com/chimerakang/sentinel-go/audit"
	"github.com/chimerakang/sentinel-go/config"
	"github.com/chimerakang/sentinel-go/encryption"
	"github.com/chimerakang/sentinel-go/incident"
	"github.com/chimerakang/sentinel-go/logger"
	"github.com/chimerakang/sentinel-go/metrics"
	"github.com/chimerakang/sentinel-go/ratelimit"
	"github.com/chimerakang/sentinel-go/threat"
	"github.com/chimerakang/sentinel-go/token"
	"github.com/chimerakang/sentinel-go/totp"
	"github.com/chimerakang/sentinel-go/vault"
)

// SecurityCore is the entry point for identity and threat operations.
// Components are built explicitly in New; there is no package state.
type SecurityCore struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	events     sentinel.EventSink // pipeline
	auditLog   *audit.Log         // nil when an external sink is injected
	aggregator *audit.Aggregator
	vault      *vault.Vault
	totp       *totp.Provider
	crypto     *encryption.Service
	tokens     *token.Issuer
	keys       *apikey.Registry
	mfaLimiter *ratelimit.Limiter
	threats    *threat.Analyzer
	incidents  *incident.Manager
	closers    []io.Closer

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	users       sentinel.UserStore
	sink        sentinel.EventSink
	revocations sentinel.RevocationStore
	keyStore    apikey.Store
	bucketSink  audit.BucketSink
	log         *slog.Logger
	reg         prometheus.Registerer
	now         func() time.Time
	encOpts     []encryption.Option
	vaultOpts   []vault.Option
	closers     []io.Closer
}

// Option configures a SecurityCore.
type Option func(*options)

// WithUserStore sets the account store. Required.
func WithUserStore(s sentinel.UserStore) Option {
	return func(o *options) { o.users = s }
}

// WithEventSink sets a durable event sink. Without one, events are kept by
// an in-memory audit.Log.
func WithEventSink(s sentinel.EventSink) Option {
	return func(o *options) { o.sink = s }
}

// WithRevocationStore sets the session revocation store. Default in-memory.
func WithRevocationStore(s sentinel.RevocationStore) Option {
	return func(o *options) { o.revocations = s }
}

// WithAPIKeyStore sets the API key store. Default in-memory.
func WithAPIKeyStore(s apikey.Store) Option {
	return func(o *options) { o.keyStore = s }
}

// WithBucketSink sets where hourly event aggregates are written.
func WithBucketSink(s audit.BucketSink) Option {
	return func(o *options) { o.bucketSink = s }
}

// WithLogger sets the logger. Default: built from cfg.Log.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRegisterer registers metrics on reg when metrics are enabled.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEncryptionOptions passes extra options to the encryption service,
// e.g. a pre-generated RSA key.
func WithEncryptionOptions(opts ...encryption.Option) Option {
	return func(o *options) { o.encOpts = append(o.encOpts, opts...) }
}

// WithVaultOptions passes extra options to the credential vault. They are
// applied after the configured ones and so bypass config validation; tests
// use it to lower the bcrypt cost.
func WithVaultOptions(opts ...vault.Option) Option {
	return func(o *options) { o.vaultOpts = append(o.vaultOpts, opts...) }
}

// WithCloser registers a resource closed by Close, after background tasks
// stop (e.g. a database pool).
func WithCloser(c io.Closer) Option {
	return func(o *options) { o.closers = append(o.closers, c) }
}

// New validates cfg and builds every component. A nil cfg means
// config.Default().
func New(cfg *config.Config, opts ...Option) (*SecurityCore, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.users == nil {
		return nil, errors.New("sentinel/core: a UserStore is required")
	}
	if o.log == nil {
		o.log = logger.New(cfg.Log)
	}
	var mopts []metrics.Option
	if o.reg != nil {
		mopts = append(mopts, metrics.WithRegisterer(o.reg))
	}

	sc := &SecurityCore{
		cfg:     cfg,
		log:     o.log,
		metrics: metrics.New(cfg.Metrics.Enabled, mopts...),
		now:     o.now,
		closers: o.closers,
	}

	if err := sc.buildCrypto(o); err != nil {
		return nil, err
	}
	if err := sc.buildPipeline(o); err != nil {
		return nil, err
	}
	if err := sc.buildAuth(o); err != nil {
		return nil, err
	}

	sc.incidents = incident.New(
		incident.WithResponder(&responder{analyzer: sc.threats, tokens: sc.tokens, vault: sc.vault}),
		incident.WithLogger(sc.log.With("component", "incident")),
		incident.WithMetrics(sc.metrics),
		incident.WithClock(sc.now),
		incident.WithLockDuration(cfg.Vault.LockoutDuration),
	)
	sc.threats.SetEscalator(sc.incidents)
	return sc, nil
}

func (sc *SecurityCore) buildCrypto(o options) error {
	encOpts := []encryption.Option{encryption.WithRSABits(sc.cfg.Encryption.RSAKeyBits)}
	if sc.cfg.Encryption.MasterKey != "" {
		key, err := encryption.DecodeMasterKey(sc.cfg.Encryption.MasterKey)
		if err != nil {
			return err
		}
		encOpts = append(encOpts, encryption.WithMasterKey(key))
	}
	crypto, err := encryption.New(append(encOpts, o.encOpts...)...)
	if err != nil {
		return err
	}
	sc.crypto = crypto
	sc.totp = totp.New(sc.cfg.TOTP.Issuer,
		totp.WithPeriod(sc.cfg.TOTP.Period),
		totp.WithWindow(sc.cfg.TOTP.Window),
		totp.WithClock(sc.now),
	)
	return nil
}

func (sc *SecurityCore) buildPipeline(o options) error {
	tc := sc.cfg.Threat
	level, err := threat.ParseLevel(tc.EscalationLevel)
	if err != nil {
		return fmt.Errorf("sentinel/core: %w", err)
	}
	topts := []threat.Option{
		threat.WithKnownBadIPs(tc.KnownBadIPs...),
		threat.WithBurst(tc.BurstThreshold, tc.BurstWindow),
		threat.WithEscalationLevel(level),
		threat.WithLogger(sc.log.With("component", "threat")),
		threat.WithMetrics(sc.metrics),
		threat.WithClock(sc.now),
	}
	if tc.DisableRules {
		topts = append(topts, threat.WithRules())
	}
	if sc.threats, err = threat.New(topts...); err != nil {
		return err
	}

	aopts := []audit.AggregatorOption{
		audit.WithSchedule(sc.cfg.Audit.AggregateSchedule),
		audit.WithAggregatorMetrics(sc.metrics),
		audit.WithAggregatorLogger(sc.log.With("component", "aggregator")),
		audit.WithAggregatorClock(sc.now),
	}
	if o.bucketSink != nil {
		aopts = append(aopts, audit.WithBucketSink(o.bucketSink))
	}
	sc.aggregator = audit.NewAggregator(aopts...)

	p := &pipeline{sink: o.sink, analyzer: sc.threats}
	if o.sink == nil {
		sc.auditLog = audit.New(sc.cfg.Audit.BufferSize,
			audit.WithHandler(sc.aggregator.Handler()),
			audit.WithClock(sc.now),
		)
		p.sink = sc.auditLog
	} else {
		p.aggregator = sc.aggregator
	}
	sc.events = p
	return nil
}

func (sc *SecurityCore) buildAuth(o options) error {
	var err error
	vc := sc.cfg.Vault
	vopts := []vault.Option{
		vault.WithCost(vc.BcryptCost),
		vault.WithLockout(vc.MaxFailedAttempts, vc.LockoutDuration),
		vault.WithMinPasswordLength(vc.MinPasswordLength),
		vault.WithLogger(sc.log.With("component", "vault")),
		vault.WithMetrics(sc.metrics),
		vault.WithClock(sc.now),
	}
	sc.vault, err = vault.New(o.users, sc.events, append(vopts, o.vaultOpts...)...)
	if err != nil {
		return err
	}

	tc := sc.cfg.Token
	topts := []token.Option{
		token.WithIssuer(tc.Issuer),
		token.WithTTL(tc.TTL),
		token.WithMaxSessions(tc.MaxSessionsPerAccount),
		token.WithEvents(sc.events),
		token.WithLogger(sc.log.With("component", "token")),
		token.WithMetrics(sc.metrics),
		token.WithClock(sc.now),
	}
	if tc.Secret != "" {
		topts = append(topts, token.WithSecret([]byte(tc.Secret)))
	}
	if o.revocations != nil {
		topts = append(topts, token.WithRevocationStore(o.revocations))
	}
	if sc.tokens, err = token.New(topts...); err != nil {
		return err
	}

	ac := sc.cfg.APIKey
	limiter := ratelimit.New(ac.DefaultRateLimit, ac.Window,
		ratelimit.WithMaxKeys(sc.cfg.RateLimit.MaxKeys),
		ratelimit.WithClock(sc.now),
	)
	kopts := []apikey.Option{
		apikey.WithLimiter(limiter),
		apikey.WithDefaultRateLimit(ac.DefaultRateLimit),
		apikey.WithEvents(sc.events),
		apikey.WithLogger(sc.log.With("component", "apikey")),
		apikey.WithMetrics(sc.metrics),
		apikey.WithClock(sc.now),
	}
	if o.keyStore != nil {
		kopts = append(kopts, apikey.WithStore(o.keyStore))
	}
	sc.keys = apikey.New(sc.crypto, kopts...)

	// MFA failures share the password lockout budget.
	sc.mfaLimiter = ratelimit.New(vc.MaxFailedAttempts, vc.LockoutDuration,
		ratelimit.WithMaxKeys(sc.cfg.RateLimit.MaxKeys),
		ratelimit.WithClock(sc.now),
	)
	return nil
}

// Config returns the configuration the core was built with.
func (sc *SecurityCore) Config() *config.Config { return sc.cfg }

// Logger returns the core logger.
func (sc *SecurityCore) Logger() *slog.Logger { return sc.log }

// Vault returns the credential vault.
func (sc *SecurityCore) Vault() *vault.Vault { return sc.vault }

// TOTP returns the TOTP provider.
func (sc *SecurityCore) TOTP() *totp.Provider { return sc.totp }

// Encryption returns the encryption service.
func (sc *SecurityCore) Encryption() *encryption.Service { return sc.crypto }

// Tokens returns the session token issuer.
func (sc *SecurityCore) Tokens() *token.Issuer { return sc.tokens }

// APIKeys returns the API key registry.
func (sc *SecurityCore) APIKeys() *apikey.Registry { return sc.keys }

// Threats returns the threat analyzer.
func (sc *SecurityCore) Threats() *threat.Analyzer { return sc.threats }

// Incidents returns the incident manager.
func (sc *SecurityCore) Incidents() *incident.Manager { return sc.incidents }

// Events returns the event sink every component writes to. Appending to it
// runs threat analysis.
func (sc *SecurityCore) Events() sentinel.EventSink { return sc.events }

// Aggregator returns the hourly event aggregator.
func (sc *SecurityCore) Aggregator() *audit.Aggregator { return sc.aggregator }

// Start runs the background tasks (event aggregation, revocation sweeps)
// until Close or ctx cancellation. It returns immediately.
func (sc *SecurityCore) Start(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cancel != nil {
		return errors.New("sentinel/core: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sc.aggregator.Run(gctx) })
	g.Go(func() error { return sc.tokens.RunSweeper(gctx, sc.cfg.Token.SweepInterval) })
	sc.cancel, sc.group = cancel, g
	sc.log.InfoContext(ctx, "security core started")
	return nil
}

// Close stops background tasks, flushes the aggregator and event log, and
// closes registered resources. Safe to call more than once.
func (sc *SecurityCore) Close() error {
	sc.closeOnce.Do(func() {
		var errs []error
		// Drain queued events into the aggregator before its final flush.
		if sc.auditLog != nil {
			errs = append(errs, sc.auditLog.Close())
		}
		sc.mu.Lock()
		cancel, g := sc.cancel, sc.group
		sc.mu.Unlock()
		if cancel != nil {
			cancel()
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		} else if err := sc.aggregator.FlushAll(context.Background()); err != nil {
			errs = append(errs, err)
		}
		for _, c := range sc.closers {
			errs = append(errs, c.Close())
		}
		sc.closeErr = errors.Join(errs...)
	})
	return sc.closeErr
}
