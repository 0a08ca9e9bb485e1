package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crosslend/config"
	"crosslend/gateway/server"
	modcommon "crosslend/native/common"
	"crosslend/native/ledger"
	"crosslend/native/limiter"
	"crosslend/native/liquidation"
	"crosslend/native/oracle"
	"crosslend/native/registry"
	"crosslend/native/risk"
	"crosslend/native/settlement"
	"crosslend/observability/logging"
	"crosslend/observability/metrics"
	"crosslend/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CROSSLEND_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("lendingd", env, logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	store := storage.NewStore(db)

	node, err := buildNode(cfg, store, logger)
	if err != nil {
		logger.Error("assemble node", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           node.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go node.sweepLoop(ctx, time.Duration(cfg.Relay.SweepSeconds)*time.Second)

	go func() {
		logger.Info("gateway listening", slog.String("address", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown", slog.String("error", err.Error()))
	}
}

type node struct {
	gateway     *server.Server
	settlements *settlement.Coordinator
	metrics     *metrics.LendingMetrics
	logger      *slog.Logger
}

func buildNode(cfg *config.Config, store *storage.Store, logger *slog.Logger) (*node, error) {
	book := ledger.New(store)

	regy := registry.New()
	for _, asset := range cfg.Assets {
		err := regy.Upsert(registry.AssetConfig{
			AssetID:                 asset.Symbol,
			Decimals:                asset.Decimals,
			LTVBps:                  asset.LTVBps,
			LiquidationThresholdBps: asset.LiquidationThresholdBps,
			CanBeCollateral:         asset.Collateral,
			CanBeBorrowed:           asset.Borrowable,
			Active:                  asset.Active,
			PriceFeedRef:            asset.PriceFeed,
		})
		if err != nil {
			return nil, fmt.Errorf("register asset %s: %w", asset.Symbol, err)
		}
	}

	quotes := oracle.NewAdapter(time.Duration(cfg.Oracle.DefaultHeartbeatSeconds) * time.Second)
	for asset, seconds := range cfg.Oracle.HeartbeatSeconds {
		quotes.SetHeartbeat(asset, time.Duration(seconds)*time.Second)
	}
	if cfg.Oracle.Endpoint != "" {
		quotes.Register("http", oracle.NewHTTPSource(nil, cfg.Oracle.Endpoint, cfg.Oracle.APIKey, cfg.Oracle.RemoteIDs))
	}
	manual := oracle.NewManualSource()
	quotes.Register("manual", manual)

	fees := settlement.FeeSchedule{}
	for _, chain := range cfg.Chains {
		base, err := config.ParseWei(chain.BaseFeeWei)
		if err != nil {
			return nil, fmt.Errorf("chain %s base fee: %w", chain.Name, err)
		}
		perByte, err := config.ParseWei(chain.PerByteFeeWei)
		if err != nil {
			return nil, fmt.Errorf("chain %s per-byte fee: %w", chain.Name, err)
		}
		fees[strings.ToLower(chain.Name)] = settlement.FeeRule{BaseWei: base, PerByteWei: perByte}
	}

	coord := settlement.NewCoordinator(store, cfg.LocalChain, fees, time.Duration(cfg.Relay.TimeoutSeconds)*time.Second)
	coord.SetLogger(logger)
	if cfg.Relay.Endpoint != "" {
		coord.SetTransport(settlement.NewHTTPRelay(nil, cfg.Relay.Endpoint, cfg.Relay.APIKey))
	} else {
		logger.Warn("no relay endpoint configured, outbound sends are logged locally")
		coord.SetTransport(settlement.NewLoggingRelay(logger))
	}

	pauses := modcommon.NewPauses()
	for _, module := range cfg.Pauses {
		pauses.Set(module, true)
	}

	limits := limiter.New(store)
	for _, limit := range cfg.Limits {
		rule := limiter.Rule{
			Window:     time.Duration(limit.WindowSeconds) * time.Second,
			MaxActions: limit.MaxActions,
			Capacity:   limit.Capacity,
			RefillPerS: limit.RefillPerSecond,
		}
		if strings.EqualFold(strings.TrimSpace(limit.Strategy), "bucket") {
			rule.Strategy = limiter.StrategyBucket
		}
		if limit.MaxVolume != "" {
			volume, err := config.ParseWei(limit.MaxVolume)
			if err != nil {
				return nil, fmt.Errorf("limit %s max volume: %w", limit.Action, err)
			}
			rule.MaxVolume = volume
		}
		limits.SetRule(limit.Action, rule)
	}

	engine := risk.NewEngine(book, regy, quotes)
	engine.SetSettlements(coord)
	engine.SetPauses(pauses)
	engine.SetLimiter(limits)
	engine.SetLogger(logger)
	coord.SetResolver(engine)
	coord.SetInboundApplier(engine)

	liq, err := liquidation.NewManager(book, engine, liquidation.Params{
		CloseFactorBps: cfg.Risk.CloseFactorBps,
		BonusBps:       cfg.Risk.LiquidationBonusBps,
	})
	if err != nil {
		return nil, fmt.Errorf("liquidation params: %w", err)
	}
	liq.SetPauses(pauses)
	liq.SetLimiter(limits)
	liq.SetLogger(logger)

	lendingMetrics := metrics.Lending()

	gw := server.New(server.Config{
		Engine:       engine,
		Liquidations: liq,
		Settlements:  coord,
		Registry:     regy,
		Pauses:       pauses,
		Prices:       manual,
		Metrics:      lendingMetrics,
		AdminTokens:  cfg.AdminTokens,
		Logger:       logger,
	})

	return &node{gateway: gw, settlements: coord, metrics: lendingMetrics, logger: logger}, nil
}

// sweepLoop times out stuck in-flight messages and keeps the in-flight gauge
// current.
func (n *node) sweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := n.settlements.SweepTimedOut(now.UTC())
			if err != nil {
				n.logger.Warn("settlement sweep failed", slog.String("error", err.Error()))
				continue
			}
			for _, id := range swept {
				n.logger.Info("settlement timed out", slog.String("message", id))
				n.metrics.RecordSettlement(string(settlement.StatusTimedOut))
			}
			if inFlight, err := n.settlements.ListInFlight(); err == nil {
				n.metrics.SetInFlight(len(inFlight))
			}
		}
	}
}
