package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"consoleguard.io/internal/audit"
	"consoleguard.io/internal/auth"
	"consoleguard.io/internal/config"
	"consoleguard.io/internal/csrf"
	"consoleguard.io/internal/guard"
	"consoleguard.io/internal/httpapi"
	"consoleguard.io/internal/impersonation"
	"consoleguard.io/internal/obs"
	"consoleguard.io/internal/policy"
	"consoleguard.io/internal/ratelimit"
	"consoleguard.io/internal/slug"
	"consoleguard.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("GUARD_CONFIG"), "YAML config file layered under the environment")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := obs.Logger()
		boot.Fatal().Err(err).Msg("load config")
	}
	obs.ConfigureLogger(cfg.Log.Level, cfg.Log.Format)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("consoleguard-api stopped")
	}
	logger.Info().Msg("stopped")
}

// backends are the collaborators selected by GUARD_PG_DSN.
type backends struct {
	store     *pg.Store
	auditSink audit.Sink
	slugs     slug.Registry
	tokens    csrf.Store
	authority ratelimit.Authority
}

func openBackends(cfg config.Config, logger zerolog.Logger) (backends, error) {
	if cfg.PGDSN == "" {
		logger.Warn().Msg("GUARD_PG_DSN not set; using in-memory collaborators")
		return backends{
			auditSink: audit.NewMemorySink(),
			slugs:     slug.NewMemoryRegistry(),
			tokens:    csrf.NewMemoryStore(),
		}, nil
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return backends{}, err
	}
	return backends{
		store:     store,
		auditSink: store.AuditSink(),
		slugs:     store.SlugRegistry(),
		tokens:    store.CSRFStore(),
		authority: store.RateAuthority(nil),
	}, nil
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	be, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	if be.store != nil {
		defer be.store.Close()
	}

	auditLog, err := audit.NewLog(be.auditSink,
		audit.WithTimeout(cfg.Audit.Timeout),
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithPageSize(cfg.Audit.PageSize))
	if err != nil {
		return err
	}

	startRule := ratelimit.Rule{Limit: cfg.RateLimit.ImpersonationLimit, Window: cfg.RateLimit.ImpersonationWindow}
	limiterOpts := []ratelimit.Option{
		ratelimit.WithRule(ratelimit.ActionImpersonationStart, startRule),
		ratelimit.WithRule(ratelimit.ActionGuarded, ratelimit.Rule{Limit: cfg.RateLimit.GuardLimit, Window: cfg.RateLimit.GuardWindow}),
		ratelimit.WithAuthorityTimeout(cfg.Audit.Timeout),
	}
	if be.authority != nil {
		limiterOpts = append(limiterOpts, ratelimit.WithAuthority(be.authority))
	}
	limiter, err := ratelimit.New(ratelimit.NewBucketStore(), limiterOpts...)
	if err != nil {
		return err
	}

	var policies policy.Provider
	if cfg.PolicyFile != "" {
		policies, err = policy.LoadFile(cfg.PolicyFile)
	} else {
		policies, err = policy.NewStatic(nil)
	}
	if err != nil {
		return err
	}

	sessions, err := impersonation.NewManager(policies, limiter, auditLog, impersonation.WithStartRule(startRule))
	if err != nil {
		return err
	}
	tokens := csrf.NewManager(be.tokens, auditLog)
	g, err := guard.New(sessions, tokens, limiter, auditLog)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, auth.WithIssuerName(cfg.JWTIssuer))
	if err != nil {
		return err
	}

	components := map[string]httpapi.Checker{
		"audit": httpapi.CheckFunc(func(context.Context) error {
			if auditLog.Degraded() {
				return errors.New("audit sink unavailable; entries buffered")
			}
			return nil
		}),
	}
	if be.store != nil {
		components["store"] = httpapi.CheckFunc(be.store.Ping)
	}

	ipLimiter := httpapi.NewIPLimiter(cfg.RateLimit.HTTPPerSecond, cfg.RateLimit.HTTPBurst)
	api, err := httpapi.New(httpapi.Deps{
		Sessions:   sessions,
		Guard:      g,
		Audit:      auditLog,
		CSRF:       tokens,
		Slugs:      slug.NewResolver(be.slugs, auditLog, slug.WithTimeout(cfg.Slug.Timeout)),
		Limiter:    limiter,
		Issuer:     issuer,
		Components: components,
		Version:    version,
	}, httpapi.WithIPLimiter(ipLimiter))
	if err != nil {
		return err
	}

	workers, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go auditLog.Run(workers, cfg.Audit.FlushInterval)
	go sessions.Run(workers, cfg.Sessions.SweepInterval)
	go limiter.Run(workers, time.Minute)
	go ipLimiter.Run(workers)
	if ra, ok := be.authority.(*pg.RateAuthority); ok {
		go pruneRateWindows(workers, ra, maxWindow(cfg), logger)
	}

	health := httpapi.NewGRPCServer(components)
	go health.Run(workers, 10*time.Second)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("http api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-errc:
		logger.Error().Err(err).Msg("server failed; shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	cancelWorkers()

	if err := auditLog.Flush(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("pending", auditLog.Pending()).Msg("audit entries still buffered at exit")
	}
	return nil
}

func maxWindow(cfg config.Config) time.Duration {
	return max(cfg.RateLimit.ImpersonationWindow, cfg.RateLimit.GuardWindow)
}

// pruneRateWindows deletes rate_windows rows older than twice the longest window.
func pruneRateWindows(ctx context.Context, ra *pg.RateAuthority, window time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := ra.Prune(ctx, now.Add(-2*window))
			if err != nil {
				logger.Warn().Err(err).Msg("prune rate windows failed")
				continue
			}
			logger.Debug().Int64("deleted", n).Msg("pruned rate windows")
		}
	}
}
