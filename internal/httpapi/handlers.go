package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/audit"
	"arbiter.gg/internal/auth"
	"arbiter.gg/internal/authz"
	"arbiter.gg/internal/obs"
	"arbiter.gg/internal/ratelimit"
	"arbiter.gg/internal/stream"
)

const (
	serviceName  = "arbiter"
	maxBodyBytes = 1 << 20
)

// Options wires the HTTP layer to the token manager and decision engine.
type Options struct {
	Tokens   *auth.Manager
	Engine   *authz.Engine
	Entities *authz.EntityService
	Policies *authz.PolicyService
	Limiter  *ratelimit.Limiter
	Audit    *audit.Recorder
	Events   *stream.Hub
	Logger   *zap.Logger
	Version  string

	LoginLimit  int
	LoginWindow time.Duration
	RateBurst   int
	RatePerSec  int

	// TrustedProxies may set X-Forwarded-For; everyone else is keyed by
	// the socket peer.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	tokens   *auth.Manager
	engine   *authz.Engine
	entities *authz.EntityService
	policies *authz.PolicyService
	limiter  *ratelimit.Limiter
	audit    *audit.Recorder
	events   *stream.Hub
	logger   *zap.Logger
	version  string

	loginLimit  int
	loginWindow time.Duration
	rateBurst   int
	ratePerSec  int
	trusted     []netip.Prefix
}

func New(opts Options) *API {
	a := &API{
		mux:         http.NewServeMux(),
		tokens:      opts.Tokens,
		engine:      opts.Engine,
		entities:    opts.Entities,
		policies:    opts.Policies,
		limiter:     opts.Limiter,
		audit:       opts.Audit,
		events:      opts.Events,
		logger:      opts.Logger,
		version:     opts.Version,
		loginLimit:  opts.LoginLimit,
		loginWindow: opts.LoginWindow,
		rateBurst:   opts.RateBurst,
		ratePerSec:  opts.RatePerSec,
		trusted:     opts.TrustedProxies,
	}
	if a.logger == nil {
		a.logger = obs.Logger()
	}
	if a.loginLimit <= 0 {
		a.loginLimit = 10
	}
	if a.loginWindow <= 0 {
		a.loginWindow = 5 * time.Minute
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleAuthRefresh)
	a.mux.HandleFunc("/v1/auth/validate", a.handleAuthValidate)
	a.mux.Handle("/v1/auth/logout", a.requireBearer(http.HandlerFunc(a.handleAuthLogout)))
	a.mux.Handle("/v1/auth/events", a.requireBearer(http.HandlerFunc(a.handleEvents), auth.RoleAdmin))
	a.mux.Handle("/v1/auth/families/", a.requireBearer(http.HandlerFunc(a.handleFamily), auth.RoleAdmin))

	a.mux.HandleFunc("/v1/authz/authorize", a.handleAuthorize)
	a.mux.Handle("/v1/entities", a.requireBearer(http.HandlerFunc(a.handleEntities), auth.RoleAdmin))
	a.mux.Handle("/v1/policies/reload", a.requireBearer(http.HandlerFunc(a.handlePolicyReload), auth.RoleAdmin))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(a.logger)(h)
	h = obs.Instrument(h)
	h = RealIP(a.trusted)(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

// Ready reports engine health; only an unhealthy engine is not ready.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	report := a.health(r.Context())
	code := http.StatusOK
	if report.Status == authz.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	obs.SetReady(code == http.StatusOK)
	writeJSON(w, code, report)
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	build := obs.Build()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":          serviceName,
		"version":       a.version,
		"commit":        build.Commit,
		"goVersion":     build.GoVersion,
		"time":          time.Now().UTC().Format(time.RFC3339),
		"uptimeSeconds": int64(time.Since(build.StartedAt).Seconds()),
	})
}

func (a *API) health(ctx context.Context) authz.HealthReport {
	var report authz.HealthReport
	if a.engine != nil {
		report = a.engine.Health(ctx)
	} else {
		report = authz.HealthReport{Status: authz.Healthy, Checks: map[string]string{}, CheckedAt: time.Now().UTC()}
	}
	if a.tokens != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.tokens.Ping(pingCtx); err != nil {
			report.Checks["token_store"] = err.Error()
			report.Status = authz.Unhealthy
		} else {
			report.Checks["token_store"] = "ok"
		}
	}
	return report
}

func (a *API) record(ctx context.Context, event string, fields map[string]any) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Record(ctx, event, fields); err != nil {
		a.logger.Warn("audit_record_failed", zap.String("event", event), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
