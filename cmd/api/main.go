package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"tesoro.app/internal/auth"
	"tesoro.app/internal/config"
	"tesoro.app/internal/httpapi"
	"tesoro.app/internal/ledger"
	"tesoro.app/internal/migrate"
	"tesoro.app/internal/obs"
	"tesoro.app/internal/store/pg"
	"tesoro.app/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envFile := flag.String("env", "", "path to a .env file (default: ./.env if present)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	build := obs.Build{Version: version, Commit: commit}
	obs.InitBuildInfo(build)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, readiness, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()

	tokens, err := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	events := stream.New(cfg.Stream.Buffer)
	svc := ledger.NewService(store,
		ledger.WithMaxRetries(cfg.Ledger.MaxRetries),
		ledger.WithBackoff(cfg.Ledger.RetryBackoff),
		ledger.WithPageSize(cfg.Ledger.PageSize),
		ledger.WithNotifier(events),
		ledger.WithOpObserver(obs.LedgerObserver()),
	)

	api := httpapi.New(httpapi.Options{
		Service:        svc,
		Tokens:         tokens,
		Stream:         events,
		Readiness:      readiness,
		Build:          build,
		DevTokens:      cfg.Auth.DevTokens,
		TokenTTL:       cfg.Auth.TokenTTL,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSec:     cfg.RateLimit.PerSecond,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		// SSE responses outlive any write deadline; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	health := httpapi.NewHealthServer(readiness)
	grpcServer := grpc.NewServer()
	health.Register(grpcServer)
	go health.Run(ctx, cfg.GRPC.HealthInterval)

	errCh := make(chan error, 2)
	go func() {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": version, "dev_tokens": cfg.Auth.DevTokens})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPC.Addr})
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		obs.Error("server failed", map[string]any{"error": err})
		stop()
	}
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("http shutdown", map[string]any{"error": err})
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	obs.Info("stopped", nil)
}

// openStore returns the Postgres store when a DSN is configured, otherwise the in-memory one.
func openStore(ctx context.Context, cfg config.Config) (ledger.Store, httpapi.ReadyProbe, func(), error) {
	if cfg.Database.DSN == "" {
		obs.Warn("no database configured, using in-memory ledger", nil)
		return ledger.NewMemory(ledger.WithLockWait(cfg.Ledger.LockWait)), httpapi.ReadyProbe{}, func() {}, nil
	}

	store, err := pg.Open(cfg.Database.DSN, pg.WithLockWait(cfg.Ledger.LockWait))
	if err != nil {
		return nil, httpapi.ReadyProbe{}, nil, err
	}
	if cfg.Database.AutoMigrate || cfg.Database.Seed {
		mctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		mgr := migrate.NewManager(store.DB(), pg.Schema(), "migrations", migrate.WithSeeds("seeds"))
		applied, err := mgr.Up(mctx)
		if err != nil {
			_ = store.Close()
			return nil, httpapi.ReadyProbe{}, nil, err
		}
		if len(applied) > 0 {
			obs.Info("migrations applied", map[string]any{"files": applied})
		}
		if cfg.Database.Seed {
			if err := mgr.Seed(mctx); err != nil {
				_ = store.Close()
				return nil, httpapi.ReadyProbe{}, nil, err
			}
		}
	}
	return store, httpapi.ReadyProbe{DB: store.DB()}, func() { _ = store.Close() }, nil
}
