// Command broker runs the marketplace's authenticated REST façade: agent
// registration and heartbeat, job polling/accept/complete/fail, and the
// settlement worker that pays agents for completed work.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/broker"
	"github.com/squirtgunhero/marketplace-core/internal/clock"
	"github.com/squirtgunhero/marketplace-core/internal/config"
	"github.com/squirtgunhero/marketplace-core/internal/loadbalancer"
	"github.com/squirtgunhero/marketplace-core/internal/logging"
	"github.com/squirtgunhero/marketplace-core/internal/payment"
	"github.com/squirtgunhero/marketplace-core/internal/ratelimit"
	"github.com/squirtgunhero/marketplace-core/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.IsDev())
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	clk := clock.Real{}
	lb := loadbalancer.New(st, cfg.HeartbeatTimeout, clk, logger)
	pb := payment.NewHTTPBackend(payment.RPCConfig{RPCURL: cfg.RPCURL})
	limiter := buildLimiter(cfg, logger)

	rt := broker.New(st, lb, pb, clk, logger, limiter, broker.Config{
		AdminAPIKey:           cfg.AdminAPIKey,
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		MaintenanceTick:       cfg.MaintenanceTick,
		SettlementChannelSize: cfg.SettlementChanSize,
		SettlementDrainWindow: cfg.SettlementDrainWindow,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Reconcile(ctx); err != nil {
		logger.Fatal("reconcile on startup", zap.Error(err))
	}
	rt.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: broker.NewServer(rt, cfg.IsDev()),
	}

	go func() {
		logger.Info("broker listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	rt.Stop()
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL unset, using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL, store.DefaultPoolConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return pg, nil
}

func buildLimiter(cfg *config.Config, logger *zap.Logger) ratelimit.Limiter {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(60, 60)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL, falling back to in-memory rate limiter", zap.Error(err))
		return ratelimit.NewMemory(60, 60)
	}
	return ratelimit.NewRedis(redis.NewClient(opt), 60, 60, logger)
}
