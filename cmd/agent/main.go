// Command agent runs a single compute agent: it registers (or reuses an
// existing api_key), then polls the broker for work, executes jobs as
// local subprocesses, and reports completion or failure.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/squirtgunhero/marketplace-core/internal/agentruntime"
	"github.com/squirtgunhero/marketplace-core/internal/clock"
	"github.com/squirtgunhero/marketplace-core/internal/config"
	"github.com/squirtgunhero/marketplace-core/internal/logging"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.IsDev())
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	wallet, err := readWallet(cfg.WalletPath)
	if err != nil {
		logger.Fatal("read wallet", zap.Error(err))
	}

	client := agentruntime.NewBrokerClient(cfg.MarketplaceURL, cfg.APIKey, 0)
	spawner := agentruntime.NewSubprocessSpawner()
	stager := agentruntime.NewHTTPStager()

	rt := agentruntime.New(client, spawner, stager, logger, clock.Real{}, agentruntime.Config{
		WalletAddress:     wallet,
		GPUModel:          cfg.GPUModel,
		GPUVendor:         cfg.GPUVendor,
		GPUMemory:         cfg.GPUMemoryBytes,
		MaxConcurrentJobs: 1,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.APIKey == "" {
		if err := rt.Register(ctx); err != nil {
			logger.Fatal("register agent", zap.Error(err))
		}
	}

	rt.Start(ctx)
	logger.Info("agent started", zap.String("marketplace_url", cfg.MarketplaceURL))

	<-ctx.Done()
	logger.Info("shutting down")
	rt.Stop()
}

func readWallet(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
