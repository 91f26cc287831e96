package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/mrxshz77/mrxcoin/params"
	"github.com/mrxshz77/mrxcoin/pkg/api"
	"github.com/mrxshz77/mrxcoin/pkg/engine"
	"github.com/mrxshz77/mrxcoin/pkg/engine/events"
	"github.com/mrxshz77/mrxcoin/pkg/engine/flashloan"
	"github.com/mrxshz77/mrxcoin/pkg/engine/ledger"
	"github.com/mrxshz77/mrxcoin/pkg/engine/margin"
	"github.com/mrxshz77/mrxcoin/pkg/engine/market"
	"github.com/mrxshz77/mrxcoin/pkg/engine/oracle"
	"github.com/mrxshz77/mrxcoin/pkg/metrics"
	"github.com/mrxshz77/mrxcoin/pkg/util"
)

const maintenanceInterval = 500 * time.Millisecond

func main() {
	cfg, err := params.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logFile := cfg.Server.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.Server.DataDir, "engined.log")
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger initialized", zap.String("log_file", logFile))

	// ---- Persistence ----
	store, err := ledger.NewStore(filepath.Join(cfg.Server.DataDir, "ledger"))
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	// ---- Ledger: replay persisted accounts ----
	led := ledger.New(store, logger)
	restored := 0
	err = store.LoadAllAccounts(func(addr common.Address, balances map[string]*ledger.Entry, positions map[string]*ledger.Position) {
		led.Restore(addr, balances, positions)
		restored++
	})
	if err != nil {
		logger.Fatal("replay accounts", zap.Error(err))
	}
	logger.Info("ledger restored", zap.Int("accounts", restored))

	// ---- Markets ----
	registry := market.NewRegistry()
	feed := oracle.NewFeed()
	for _, mc := range cfg.Markets {
		m, err := market.New(mc.Symbol, mc.BaseAsset, mc.QuoteAsset, market.Params{
			PriceScale:  mc.PriceScale,
			MinNotional: mc.MinNotional,
			MaxLeverage: mc.MaxLeverage,
			MinOrder:    mc.MinOrder,
			MaxOrder:    mc.MaxOrder,
			MaxPosition: mc.MaxPosition,
			MakerFeeBps: mc.MakerFeeBps,
			TakerFeeBps: mc.TakerFeeBps,
		})
		if err != nil {
			logger.Fatal("market config", zap.String("symbol", mc.Symbol), zap.Error(err))
		}
		if err := registry.Register(m); err != nil {
			logger.Fatal("register market", zap.Error(err))
		}
		feed.SetScale(mc.Symbol, mc.PriceScale)
	}

	// ---- Engine stack ----
	bus := events.NewBus()
	riskMgr := margin.NewManager(led, registry, feed, cfg.Engine.OracleMaxAge, cfg.Engine.MaintenanceFractionBps, logger)
	eng := engine.New(led, registry, riskMgr, feed, bus, store, cfg.Engine.OracleMaxAge, logger)
	loans := flashloan.NewCoordinator(eng, led, bus, cfg.FlashLoan.FeeRateBps, cfg.FlashLoan.OpBudget, cfg.FlashLoan.MaxDuration, logger)

	// ---- Maintenance sweep ----
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for range ticker.C {
			for _, m := range registry.List() {
				if n, err := eng.RunMaintenance(m.Symbol); err != nil {
					logger.Warn("maintenance sweep", zap.String("symbol", m.Symbol), zap.Error(err))
				} else if n > 0 {
					logger.Info("maintenance sweep", zap.String("symbol", m.Symbol), zap.Int("liquidated", n))
				}
			}
		}
	}()

	// ---- Metrics + API ----
	metrics.Serve(cfg.Server.MetricsAddr)
	server := api.NewServer(eng, registry, feed, loans, bus, logger)
	go func() {
		if err := server.Start(cfg.Server.APIAddr); err != nil {
			logger.Fatal("api server", zap.Error(err))
		}
	}()

	logger.Info("engine started",
		zap.String("api", cfg.Server.APIAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.Int("markets", len(cfg.Markets)),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}
