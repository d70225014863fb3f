// Package engine assembles the safety components into one running node.
//
// It owns the explicit wiring between the components: the state machine
// calls the reflex arc after a transition, the evidence inbox calls it after
// an accepted packet, the scaling gate forwards to the capability issuer and
// the issuer trusts the arc as its reflex principal. None of that wiring is
// done by the components themselves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/admission"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/afferent"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/ans"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/brake"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/capability"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/config"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/notify"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/observability"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/reflex"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/store"
)

// bootstrap holds the governor role only while New wires the components.
const bootstrap contracts.Principal = "system:bootstrap"

// Version is stamped at build time.
var Version = "dev"

// Engine is one assembled node.
type Engine struct {
	Config *config.Config
	Authz  *authority.Registry
	Bus    *notify.Bus
	Hub    *notify.Hub

	ANS       *ans.Manager
	Gate      *brake.Gate
	Issuer    *capability.Issuer
	Inbox     *afferent.Inbox
	Arc       *reflex.Arc
	Telemetry *observability.Provider

	store    *store.SQLStore
	ownStore bool
	redis    redis.UniversalClient
	kafka    *notify.KafkaSink
	logger   *slog.Logger
}

type options struct {
	clock contracts.Clock
	sinks []notify.Sink
	redis redis.UniversalClient
	store *store.SQLStore
}

// Option customizes New.
type Option func(*options)

// WithClock replaces the wall clock in every component.
func WithClock(c contracts.Clock) Option { return func(o *options) { o.clock = c } }

// WithSinks adds notification sinks next to the log sink and the hub.
func WithSinks(s ...notify.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithRedis uses client for the shared sliding window instead of dialing
// cfg.Redis.Addr. The engine does not close it.
func WithRedis(client redis.UniversalClient) Option { return func(o *options) { o.redis = client } }

// WithStore uses s for persistence instead of opening cfg.Database. The
// engine does not close it.
func WithStore(s *store.SQLStore) Option { return func(o *options) { o.store = s } }

// New builds and wires every component from cfg and restores persisted
// state when a database is configured.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (eng *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: contracts.WallClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		Config: cfg,
		Authz:  authority.NewRegistry(),
		Hub:    notify.NewHub(),
		logger: slog.Default().With("component", "engine"),
	}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	e.grantRoles(cfg)

	// Telemetry
	e.Telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "vagus",
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		ExportInterval: observability.DefaultConfig().ExportInterval,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: telemetry: %w", err)
	}
	instruments, err := observability.NewInstruments(e.Telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("engine: instruments: %w", err)
	}

	// Notifications
	sinks := []notify.Sink{notify.LogSink{}, e.Hub}
	if len(cfg.Kafka.Brokers) > 0 {
		e.kafka, err = notify.NewKafkaSink(notify.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Async:   cfg.Kafka.Async,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: kafka: %w", err)
		}
		sinks = append(sinks, e.kafka)
	}
	e.Bus = notify.NewBus(o.clock, append(sinks, o.sinks...)...)

	// Persistence
	switch {
	case o.store != nil:
		e.store = o.store
	case cfg.Database.Driver != "":
		s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.store, e.ownStore = s, true
	}

	// Autonomic state machine
	e.ANS, err = ans.NewManager(cfg.Hysteresis, e.Authz)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.ANS.SetClock(o.clock)
	e.ANS.SetEmitter(e.Bus)
	e.ANS.SetInstruments(instruments)

	// Scaling gate
	e.Gate = brake.NewGate(e.ANS, e.Authz, cfg.HardCaps)

	// Evidence source
	e.Inbox, err = afferent.NewInbox(e.Authz)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.Inbox.SetClock(o.clock)
	e.Inbox.SetEmitter(e.Bus)
	e.Inbox.SetInstruments(instruments)

	// Admission control
	limiter, err := e.newLimiter(cfg, o.redis)
	if err != nil {
		return nil, err
	}
	breakers, err := admission.NewBreakers(cfg.Admission.CircuitBreaker)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	// Capability issuer
	e.Issuer, err = capability.NewIssuer(capability.Config{
		Gate:     e.Gate,
		Roots:    e.Inbox,
		Limiter:  limiter,
		Breakers: breakers,
		Authz:    e.Authz,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.Issuer.SetClock(o.clock)
	e.Issuer.SetEmitter(e.Bus)
	e.Issuer.SetInstruments(instruments)

	// Reflex arc
	e.Arc, err = reflex.NewArc(cfg.Reflex.Config, e.Issuer, e.Inbox, e.Authz)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.Arc.SetClock(o.clock)
	e.Arc.SetEmitter(e.Bus)
	e.Arc.SetInstruments(instruments)
	pred, err := cfg.Predicate()
	if err != nil {
		return nil, fmt.Errorf("engine: reflex predicate: %w", err)
	}
	e.Arc.SetPredicate(pred)

	if e.store != nil {
		e.ANS.SetRepository(e.store)
		e.Issuer.SetRepository(e.store)
		if err := e.ANS.Load(ctx); err != nil {
			return nil, fmt.Errorf("engine: restore safety states: %w", err)
		}
		if err := e.Issuer.Load(ctx); err != nil {
			return nil, fmt.Errorf("engine: restore tokens: %w", err)
		}
	}

	if err := e.wire(ctx); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "engine ready",
		"persistence", e.store != nil, "shared_window", e.redis != nil || o.redis != nil, "kafka", e.kafka != nil)
	return e, nil
}

func (e *Engine) grantRoles(cfg *config.Config) {
	e.Authz.Grant(authority.SystemANS, authority.RoleStateManager)
	e.Authz.Grant(authority.SystemAfferent, authority.RoleEvidenceSource)
	e.Authz.Grant(authority.SystemBrake, authority.RoleGate)
	for principal, roles := range cfg.Grants() {
		e.Authz.Grant(principal, roles...)
	}
}

func (e *Engine) newLimiter(cfg *config.Config, client redis.UniversalClient) (admission.Limiter, error) {
	if client == nil && cfg.Redis.Addr != "" {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client = e.redis
	}
	if client == nil {
		l, err := admission.NewSlidingWindow(cfg.Admission.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		return l, nil
	}
	l, err := admission.NewRedisWindow(client, cfg.Redis.Prefix, cfg.Admission.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return l, nil
}

// wire connects the explicit triggers. The bootstrap principal is a governor
// only for the duration of this call.
func (e *Engine) wire(ctx context.Context) error {
	e.Authz.Grant(bootstrap, authority.RoleGovernor)
	defer e.Authz.Withdraw(bootstrap, authority.RoleGovernor)

	e.Gate.SetIssuer(e.Issuer)
	e.ANS.SetStateChangeHook(e.Arc)
	if err := e.Inbox.SetListener(ctx, bootstrap, e.Arc); err != nil {
		return fmt.Errorf("engine: attach reflex listener: %w", err)
	}
	if err := e.Issuer.SetReflex(ctx, bootstrap, authority.SystemReflex); err != nil {
		return fmt.Errorf("engine: register reflex: %w", err)
	}
	return nil
}

// Submit routes an intent through the scaling gate. Rejections that count as
// failures are recorded against the intent's circuit breaker here, after the
// issuance attempt has returned.
func (e *Engine) Submit(ctx context.Context, caller contracts.Principal, in contracts.Intent) (contracts.CapabilityToken, error) {
	tok, err := e.Gate.IssueWithBrake(ctx, caller, in)
	if err != nil && capability.CountsAsFailure(err) {
		st := e.Issuer.RecordFailure(ctx, in.ExecutorID, in.ActionID)
		if st.State == admission.BreakerOpen {
			e.logger.WarnContext(ctx, "circuit breaker open",
				"executor_id", in.ExecutorID, "action_id", in.ActionID, "failures", st.FailureCount)
		}
	}
	return tok, err
}

// Ping checks the external dependencies.
func (e *Engine) Ping(ctx context.Context) error {
	var errs []error
	if e.store != nil {
		if err := e.store.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases what New opened.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.kafka != nil {
		errs = append(errs, e.kafka.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	if e.store != nil && e.ownStore {
		errs = append(errs, e.store.Close())
	}
	if e.Telemetry != nil {
		errs = append(errs, e.Telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
