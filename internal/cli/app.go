package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"flashoffer-dispatch/internal/analytics"
	"flashoffer-dispatch/internal/auth"
	"flashoffer-dispatch/internal/cache"
	"flashoffer-dispatch/internal/config"
	"flashoffer-dispatch/internal/database"
	"flashoffer-dispatch/internal/dispatcher"
	"flashoffer-dispatch/internal/events"
	"flashoffer-dispatch/internal/features"
	"flashoffer-dispatch/internal/gateway"
	"flashoffer-dispatch/internal/handler"
	"flashoffer-dispatch/internal/logger"
	"flashoffer-dispatch/internal/middleware"
	"flashoffer-dispatch/internal/preference"
	"flashoffer-dispatch/internal/ratelimit"
	"flashoffer-dispatch/internal/service"
	"flashoffer-dispatch/internal/targeting"
	"flashoffer-dispatch/internal/tokenhealth"
	"flashoffer-dispatch/internal/tracing"
)

// app holds the process wide dependencies of a command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	db      *database.DB
	redis   *redis.Client
	flags   *features.Manager
	events  *events.Manager
	service *service.Service
}

// newApp loads configuration, the logger and the database.
func newApp(opts *RootOptions) (*app, error) {
	cfg, err := config.LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.DatabasePath != "" {
		cfg.Database.Path = opts.DatabasePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &app{cfg: cfg, log: log, db: db, flags: features.FromConfig(cfg.Features)}, nil
}

// buildService wires the dispatch pipeline.
func (a *app) buildService(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Gateway.URL == "" {
		return errors.New("gateway url is required (GATEWAY_URL)")
	}

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: tracing.ServiceName,
		Environment: cfg.Env,
		Version:     Version,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	authn, err := newAuthenticator(cfg, a.log)
	if err != nil {
		return err
	}

	var (
		counters   ratelimit.CounterStore = a.db
		venueStore cache.Cache            = cache.NewInMemoryCache()
	)
	if cfg.RateLimit.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		counters = ratelimit.NewRedisStore(a.redis)
		venueStore = cache.NewRedisCache(a.redis, "flashoffer:")
	}

	a.events = events.NewManager(a.flags.Check(features.DispatchEvents), a.log)
	if arn := cfg.Events.SNSTopicARN; arn != "" {
		pub, err := events.NewSNSPublisher(ctx, arn)
		if err != nil {
			return fmt.Errorf("failed to initialize sns publisher: %w", err)
		}
		events.SubscribeSNS(a.events, pub)
	}

	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.APIKey,
		gateway.WithLogger(a.log),
		gateway.WithPacing(cfg.Gateway.QPS, cfg.Gateway.Concurrency, a.flags.Check(features.GatewayPacing)),
	)
	backoff := time.Duration(cfg.Gateway.BackoffMS) * time.Millisecond

	a.service = service.New(service.Deps{
		Offers: a.db,
		Venues: cache.NewVenues(a.db, venueStore,
			time.Duration(cfg.Dispatch.VenueCacheTTLSecond)*time.Second,
			a.flags.Check(features.VenueCache), a.log),
		Auth:        authn,
		Targeting:   targeting.NewEngine(a.db, a.log),
		Preferences: preference.NewFilter(a.db, cfg.Dispatch.PreferenceFanout, a.log),
		Limiter: ratelimit.NewLimiter(counters, ratelimit.Config{
			Tiers:          ratelimit.NewTierTable(cfg.RateLimit.VenueTiers),
			UserDailyLimit: cfg.RateLimit.UserDailyLimit,
			Window:         cfg.RateWindow(),
			Fanout:         cfg.Dispatch.PreferenceFanout,
		}, a.log),
		Dispatcher: dispatcher.New(a.db, gw, dispatcher.Config{
			BatchSize:    cfg.Gateway.BatchSize,
			BatchTimeout: time.Duration(cfg.Gateway.TimeoutMS) * time.Millisecond,
			MaxRetries:   cfg.Gateway.MaxRetries,
			Backoff:      backoff,
			MaxBackoff:   backoff * 10,
			Concurrency:  cfg.Gateway.Concurrency,
		}, a.log),
		TokenHealth: tokenhealth.NewManager(a.db, a.log),
		Analytics:   analytics.NewRecorder(a.db, a.log),
		Events:      a.events,
		Timeout:     cfg.DispatchTimeout(),
		Log:         a.log,
	})
	return nil
}

func newAuthenticator(cfg *config.Config, log *zap.Logger) (*auth.Authenticator, error) {
	var opts []auth.Option
	if cfg.Auth.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.Issuer))
	}
	if cfg.Auth.Audience != "" {
		opts = append(opts, auth.WithAudience(cfg.Auth.Audience))
	}

	switch {
	case cfg.Auth.PublicKeyPath != "":
		key, err := auth.LoadPublicKey(cfg.Auth.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		return auth.NewWithPublicKey(key, opts...)
	case cfg.Auth.HMACSecret != "" && cfg.Env != "production":
		log.Warn("verifying bearer tokens with a shared HMAC secret")
		return auth.NewWithHMAC([]byte(cfg.Auth.HMACSecret), opts...)
	default:
		return nil, errors.New("no token verification key configured (AUTH_PUBLIC_KEY_PATH)")
	}
}

// router builds the HTTP surface. The returned func stops the throttle's
// cleanup loop.
func (a *app) router() (http.Handler, func()) {
	cfg := a.cfg
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.TracingMiddleware())
	r.Use(middleware.RequestLogger(a.log))
	r.Use(middleware.Recoverer(a.log))

	stop := func() {}
	if cfg.Server.ThrottleEnabled {
		throttle := middleware.NewRateLimiter(cfg.Server.ThrottleRPS, cfg.Server.ThrottleBurst)
		stop = throttle.Stop
		r.Use(middleware.RateLimitMiddleware(throttle))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(cfg.Server.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	handler.NewHandlerWithOptions(a.service, handler.NewHandlerOptions{
		MaxBodySize: cfg.Server.MaxRequestBodySize,
		Features:    a.flags,
		Log:         a.log,
	}).Routes(r)

	return r, stop
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Close flushes events and traces and releases connections.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.events != nil {
		if err := a.events.Shutdown(ctx); err != nil {
			a.log.Warn("event handlers did not finish", zap.Error(err))
		}
	}
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Warn("failed to flush traces", zap.Error(err))
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("failed to close database", zap.Error(err))
	}
	a.log.Sync()
}
