package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"arbiter.gg/internal/audit"
	"arbiter.gg/internal/auth"
	"arbiter.gg/internal/authz"
	"arbiter.gg/internal/cache"
	"arbiter.gg/internal/config"
	"arbiter.gg/internal/ratelimit"
	"arbiter.gg/internal/store/pg"
	"arbiter.gg/internal/stream"
)

const bootstrapAdminID = "admin-bootstrap"

type application struct {
	storage  string
	db       *pg.Store
	redis    *redis.Client
	local    *cache.Local
	tokens   *auth.Manager
	engine   *authz.Engine
	entities *authz.EntityService
	policies *authz.PolicyService
	limiter  *ratelimit.Limiter
	audit    *audit.Recorder
	events   *stream.Hub
	logger   *zap.Logger
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{logger: logger, storage: "memory"}

	local, err := cache.NewLocal(cfg.LocalCacheMax)
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	app.local = local

	var (
		shared  cache.Cache
		counter ratelimit.Counter
	)
	if cfg.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := app.redis.Ping(pingCtx).Err(); err != nil {
			// the cache and limiter degrade per request; keep starting
			logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		shared = cache.NewTiered(local, cache.NewRedis(app.redis, cfg.ServiceName+":"), cfg.LocalCacheTTL, logger)
		counter = ratelimit.NewRedisCounter(app.redis)
	} else {
		shared = cache.NewTiered(local, cache.NewMemory(time.Now), cfg.LocalCacheTTL, logger)
		counter = ratelimit.NewMemoryCounter(time.Now)
	}
	app.limiter = ratelimit.New(counter, ratelimit.WithLogger(logger))

	app.events = stream.New()
	var kafka audit.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafka = audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	app.audit = audit.NewRecorder(logger.Named("audit"), audit.Fanout(kafka, app.events))

	var (
		tokenStore auth.Store
		identities auth.IdentityProvider
		policies   authz.PolicyStore
		directory  authz.EntityDirectory
	)
	if cfg.DatabaseURL != "" {
		db, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		app.db = db
		app.storage = "postgres"
		tokenStore = db.Tokens()
		identities = db.Players()
		policies = db.Policies()
		directory = db.Entities()
		if err := bootstrapPlayers(ctx, cfg, db.Players()); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("ARBITER_PG_DSN not set; using in-memory stores")
		idp := auth.NewMemoryIdentities()
		if err := bootstrapMemory(cfg, idp); err != nil {
			return nil, err
		}
		tokenStore = auth.NewMemoryStore()
		identities = idp
		policies = authz.NewMemoryPolicies()
		directory = authz.NewMemoryDirectory()
	}

	opts, err := tokenOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		auth.WithRevocationCache(local),
		auth.WithAuditor(app.audit),
		auth.WithLogger(logger.Named("auth")),
	)
	if app.tokens, err = auth.NewManager(tokenStore, identities, app.limiter, opts...); err != nil {
		return nil, err
	}

	app.engine, err = authz.NewEngine(policies, directory, shared,
		authz.WithDecisionTTL(cfg.DecisionTTL),
		authz.WithPolicyTTL(cfg.PolicyTTL),
		authz.WithEntityTTL(cfg.EntityTTL),
		authz.WithLogger(logger.Named("authz")),
	)
	if err != nil {
		return nil, err
	}
	app.entities = authz.NewEntityService(directory, shared, logger.Named("entities"), nil)
	app.policies = authz.NewPolicyService(policies, shared)
	return app, nil
}

func tokenOptions(cfg config.Config) ([]auth.ManagerOption, error) {
	access := cfg.JWTAccessSecret
	if len(access) == 0 {
		access = cfg.JWTRefreshSecret
	}
	opts := []auth.ManagerOption{
		auth.WithSecrets(access, cfg.JWTRefreshSecret),
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAudience(cfg.JWTAudience),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithRefreshLimit(cfg.RefreshLimit, cfg.RefreshWindow),
	}
	if cfg.UsesRS256() {
		private, err := os.ReadFile(cfg.JWTPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		public, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		opts = append(opts, auth.WithRS256Keys(string(private), string(public), cfg.JWTKeyID))
	}
	return opts, nil
}

func bootstrapIdentity(cfg config.Config) auth.Identity {
	return auth.Identity{
		UserID:   bootstrapAdminID,
		Username: cfg.BootstrapAdmin,
		UserType: auth.UserTypeAdmin,
		Roles:    []string{auth.RoleAdmin},
		Active:   true,
	}
}

func bootstrapMemory(cfg config.Config, idp *auth.MemoryIdentities) error {
	if cfg.BootstrapAdminPassword == "" {
		return nil
	}
	return idp.Add(bootstrapIdentity(cfg), cfg.BootstrapAdminPassword)
}

func bootstrapPlayers(ctx context.Context, cfg config.Config, players *pg.Players) error {
	if cfg.BootstrapAdminPassword == "" {
		return nil
	}
	err := players.Create(ctx, bootstrapIdentity(cfg), cfg.BootstrapAdminPassword)
	if err != nil && !errors.Is(err, auth.ErrAlreadyExists) {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return nil
}

// purgeLoop drops expired access token revocation markers.
func (a *application) purgeLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.tokens.PurgeRevocations(ctx)
			if err != nil {
				a.logger.Warn("revocation purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("revocations purged", zap.Int("count", n))
			}
		}
	}
}

func (a *application) Close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.logger.Warn("audit close", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.local != nil {
		a.local.Close()
	}
}
