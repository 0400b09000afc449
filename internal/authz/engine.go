package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/cache"
	"arbiter.gg/internal/failmode"
	"arbiter.gg/internal/obs"
)

const (
	defaultDecisionTTL = 300 * time.Second
	defaultPolicyTTL   = 3600 * time.Second
	defaultEntityTTL   = 1800 * time.Second

	resyncTimeout = 5 * time.Second
	probeTimeout  = 2 * time.Second

	decisionKeyPrefix = "authz:decision:"
	policiesKey       = "authz:policies:active"

	// PrincipalVersionKey is the request context entry that announces the
	// principal's current directory version.
	PrincipalVersionKey = "principalVersion"
)

func entityKey(ref EntityRef) string {
	return "authz:entity:" + ref.Type + ":" + ref.ID
}

// Metrics receives decision observations and store failures.
type Metrics interface {
	ObserveDecision(decision string, cached bool, d time.Duration)
	StoreError(component string)
}

type promMetrics struct{}

func (promMetrics) ObserveDecision(decision string, cached bool, d time.Duration) {
	obs.ObserveDecision(decision, cached, d)
}

func (promMetrics) StoreError(component string) { obs.StoreError(component) }

// Engine answers authorization requests from cached policies and entities.
type Engine struct {
	policies  PolicyStore
	directory EntityDirectory
	cache     cache.Cache
	evaluator Evaluator
	metrics   Metrics
	logger    *zap.Logger
	now       func() time.Time

	decisionTTL time.Duration
	policyTTL   time.Duration
	entityTTL   time.Duration

	syncing sync.Map
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithDecisionTTL sets how long decisions are cached.
func WithDecisionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.decisionTTL = ttl
		}
	}
}

// WithPolicyTTL sets how long the active policy set is cached.
func WithPolicyTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.policyTTL = ttl
		}
	}
}

// WithEntityTTL sets how long entities are cached.
func WithEntityTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.entityTTL = ttl
		}
	}
}

// WithEvaluator replaces the rule evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithMetrics replaces the Prometheus metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for entity expiry and the
// context defaults.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(policies PolicyStore, directory EntityDirectory, c cache.Cache, opts ...Option) (*Engine, error) {
	if policies == nil || directory == nil || c == nil {
		return nil, errors.New("authz: policy store, directory and cache are required")
	}
	e := &Engine{
		policies:    policies,
		directory:   directory,
		cache:       c,
		evaluator:   NewRuleEvaluator(),
		metrics:     promMetrics{},
		logger:      zap.NewNop(),
		now:         time.Now,
		decisionTTL: defaultDecisionTTL,
		policyTTL:   defaultPolicyTTL,
		entityTTL:   defaultEntityTTL,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Authorize decides req. It never fails: every error becomes a DENY that
// lists the cause in Errors.
func (e *Engine) Authorize(ctx context.Context, req Request) AuthorizationDecision {
	start := time.Now()
	d, cached := e.decide(ctx, req)
	elapsed := time.Since(start)

	d.Cached = cached
	d.LatencyMs = float64(elapsed.Microseconds()) / 1000
	if d.DeterminingPolicies == nil {
		d.DeterminingPolicies = []string{}
	}
	if d.Errors == nil {
		d.Errors = []string{}
	}
	e.metrics.ObserveDecision(d.Decision, cached, elapsed)
	if len(d.Errors) > 0 {
		e.logger.Warn("authorization failed closed",
			zap.String("event", "authz_fail_closed"),
			zap.String("principal", req.Principal.String()),
			zap.String("action", req.Action.String()),
			zap.String("resource", req.Resource.String()),
			zap.String("mode", failmode.For(failmode.Authorize).String()),
			zap.Strings("errors", d.Errors),
		)
	}
	return d
}

func (e *Engine) decide(ctx context.Context, req Request) (AuthorizationDecision, bool) {
	if err := req.Validate(); err != nil {
		return denied(err), false
	}
	key, err := decisionKey(req)
	if err != nil {
		return denied(fmt.Errorf("decision key: %w", err)), false
	}

	var hit AuthorizationDecision
	ok, err := cache.Fetch(ctx, e.cache, key, &hit)
	if err != nil {
		e.logger.Warn("decision cache read failed", zap.Error(err))
	}
	if ok && (hit.Decision == Allow || hit.Decision == Deny) {
		return hit, true
	}

	policies, err := e.activePolicies(ctx)
	if err != nil {
		e.metrics.StoreError("policy_store")
		return denied(fmt.Errorf("policy store: %w", err)), false
	}
	principal, err := e.entity(ctx, req.Principal)
	if err != nil {
		return e.entityFailure("principal", req.Principal, err), false
	}
	resource, err := e.entity(ctx, req.Resource)
	if err != nil {
		return e.entityFailure("resource", req.Resource, err), false
	}
	e.maybeResync(req, principal)

	eval, err := e.evaluator.Evaluate(policies, NewInput(req, principal, resource, e.now()))
	if err != nil {
		e.metrics.StoreError("evaluator")
		return denied(fmt.Errorf("evaluate: %w", err)), false
	}
	d := AuthorizationDecision{
		Decision:            eval.Decision,
		DeterminingPolicies: eval.DeterminingPolicies,
		Errors:              []string{},
	}
	if err := cache.Put(ctx, e.cache, key, d, e.decisionTTL); err != nil {
		e.logger.Warn("decision cache write failed", zap.Error(err))
	}
	return d, false
}

// decisionKey digests the canonical request tuple. Context maps are
// encoded with sorted keys so equal contexts share a key.
func decisionKey(req Request) (string, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	sum, err := cache.Digest(
		req.Principal.Type, req.Principal.ID,
		req.Action.Type, req.Action.ID,
		req.Resource.Type, req.Resource.ID,
		ctx,
	)
	if err != nil {
		return "", err
	}
	return decisionKeyPrefix + sum, nil
}

func (e *Engine) entityFailure(role string, ref EntityRef, err error) AuthorizationDecision {
	if errors.Is(err, ErrNotFound) {
		return denied(fmt.Errorf("%s %s not found", role, ref))
	}
	e.metrics.StoreError("entity_directory")
	return denied(fmt.Errorf("entity directory: %s %s: %w", role, ref, err))
}

func (e *Engine) activePolicies(ctx context.Context) ([]Policy, error) {
	var policies []Policy
	if ok, _ := cache.Fetch(ctx, e.cache, policiesKey, &policies); ok {
		return policies, nil
	}
	policies, err := e.policies.ActivePolicies(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.Put(ctx, e.cache, policiesKey, policies, e.policyTTL); err != nil {
		e.logger.Warn("policy cache write failed", zap.Error(err))
	}
	return policies, nil
}

func (e *Engine) entity(ctx context.Context, ref EntityRef) (Entity, error) {
	now := e.now()
	var ent Entity
	if ok, _ := cache.Fetch(ctx, e.cache, entityKey(ref), &ent); ok && !ent.Expired(now) {
		return ent, nil
	}
	ent, err := e.directory.Get(ctx, ref)
	if err != nil {
		return Entity{}, err
	}
	if ent.Expired(now) {
		return Entity{}, ErrNotFound
	}
	e.cacheEntity(ctx, ent)
	return ent, nil
}

func (e *Engine) cacheEntity(ctx context.Context, ent Entity) {
	ttl := e.entityTTL
	if exp, ok := ent.ExpiresAt.Get(); ok {
		if left := exp.Sub(e.now()); left < ttl {
			ttl = left
		}
	}
	if err := cache.Put(ctx, e.cache, entityKey(ent.Ref()), ent, ttl); err != nil {
		e.logger.Warn("entity cache write failed", zap.String("entity", ent.Ref().String()), zap.Error(err))
	}
}

// maybeResync reloads the principal in the background when the caller
// reports a newer version than the snapshot in use. The current request
// is still answered from the snapshot.
func (e *Engine) maybeResync(req Request, principal Entity) {
	raw, ok := req.Context[PrincipalVersionKey]
	if !ok {
		return
	}
	want, ok := number(raw)
	if !ok || int64(want) <= principal.Version {
		return
	}
	ref := principal.Ref()
	key := entityKey(ref)
	if _, busy := e.syncing.LoadOrStore(key, struct{}{}); busy {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.syncing.Delete(key)
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()

		fresh, err := e.directory.Get(ctx, ref)
		if err != nil {
			e.metrics.StoreError("entity_directory")
			e.logger.Warn("entity resync failed", zap.String("entity", ref.String()), zap.Error(err))
			return
		}
		e.cacheEntity(ctx, fresh)
		e.logger.Info("entity resynced",
			zap.String("event", "entity_resync"),
			zap.String("entity", ref.String()),
			zap.Int64("from_version", principal.Version),
			zap.Int64("to_version", fresh.Version),
		)
	}()
}

// Wait blocks until background resyncs have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Health probes each dependency without evaluating a request. A cache
// outage degrades the engine; a store outage makes it unhealthy.
func (e *Engine) Health(ctx context.Context) HealthReport {
	probes := map[string]func(context.Context) error{
		"policy_store":     e.policies.Ping,
		"entity_directory": e.directory.Ping,
		"cache":            e.cache.Ping,
	}
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(probes))
	)
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			result := "ok"
			if err := probe(pctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			checks[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := Healthy
	switch {
	case checks["policy_store"] != "ok" || checks["entity_directory"] != "ok":
		status = Unhealthy
	case checks["cache"] != "ok":
		status = Degraded
	}
	return HealthReport{Status: status, Checks: checks, CheckedAt: e.now().UTC()}
}
