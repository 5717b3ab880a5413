package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"yardops.org/internal/audit"
	"yardops.org/internal/auth"
	"yardops.org/internal/config"
	"yardops.org/internal/httpapi"
	"yardops.org/internal/obs"
	"yardops.org/internal/permissions"
	"yardops.org/internal/store/pg"
	"yardops.org/internal/store/rediscache"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("yardops-permissions exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	auth.SetSecret(cfg.AuthSecret)
	log := obs.Logger()

	var (
		store permissions.Store
		deps  []httpapi.Pinger
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
		deps = append(deps, pgStore)
	} else {
		log.Warn("no postgres DSN configured, grants live in memory only")
		store = permissions.NewInMemory()
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cached, err := rediscache.New(store, rdb, rediscache.WithTTL(cfg.RedisTTL))
		if err != nil {
			return err
		}
		store = cached
		deps = append(deps, cached)
	}

	engineOpts := []permissions.EngineOption{
		permissions.WithMaskingRules(store),
		permissions.WithSuperuserRoles(cfg.SuperuserRoles...),
	}
	if cfg.CasbinModel != "" || cfg.CasbinPolicy != "" {
		baseline, err := permissions.NewCasbinBaseline(cfg.CasbinModel, cfg.CasbinPolicy)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, permissions.WithBaseline(baseline))
	}
	if cfg.GuardPolicy != "" {
		guard, err := permissions.LoadRegoGuard(context.Background(), cfg.GuardPolicy)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, permissions.WithGuard(guard))
	}
	engine := permissions.NewEngine(engineOpts...)
	service, err := permissions.NewService(store)
	if err != nil {
		return err
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	probe := httpapi.ReadyProbe{Deps: deps}
	apiOpts := []httpapi.Option{
		httpapi.WithReadiness(probe),
		httpapi.WithVersion(version),
		httpapi.WithCORSOrigins(cfg.CORSOrigins...),
		httpapi.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTrustedProxies(proxies...),
	}
	if cfg.DevTokens {
		log.Warn("development token endpoint enabled")
		apiOpts = append(apiOpts, httpapi.WithDevTokens(cfg.TokenTTL))
	}
	api := httpapi.New(engine, service, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(httpapi.AuthInterceptor))
	httpapi.NewGRPCServer(engine, service, probe).Register(grpcServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			log.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}
	if cfg.SweepInterval > 0 {
		go sweepExpired(ctx, service, cfg.SweepInterval)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcServer.GracefulStop()
	return srv.Shutdown(shutdownCtx)
}

// sweepExpired deletes expired grants until ctx is cancelled.
func sweepExpired(ctx context.Context, service *permissions.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := service.PurgeExpired(ctx)
			if err != nil {
				obs.Logger().Warn("purge expired grants", "error", err)
				continue
			}
			for _, c := range purged {
				_ = audit.LogEvent(ctx, "capability.expired", map[string]any{
					"capability_id": c.ID,
					"user_id":       c.UserID,
					"module":        c.Module,
					"action":        c.Action,
				})
			}
			if len(purged) > 0 {
				obs.Logger().Info("purged expired grants", "count", len(purged))
			}
		}
	}
}
