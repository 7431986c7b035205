package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"lendpool/config"
	"lendpool/core/state"
	"lendpool/core/types"
	"lendpool/native/factory"
	"lendpool/native/pool"
	"lendpool/native/priceoracle"
	"lendpool/native/repayments"
	"lendpool/native/savings"
	"lendpool/native/yield"
	"lendpool/observability/logging"
	"lendpool/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold config")
	flag.Parse()

	svcCfg, err := loadServiceConfig(cfgPath)
	if err != nil {
		log.Fatalf("load service config: %v", err)
	}
	logger := logging.Setup(logging.Options{
		Service: "poold",
		Env:     svcCfg.Env,
		Level:   svcCfg.LogLevel,
		File:    svcCfg.LogFile,
	})

	protoCfg, err := config.Load(svcCfg.ProtocolConfigPath)
	if err != nil {
		log.Fatalf("load protocol config: %v", err)
	}
	params, err := protoCfg.ProtocolParams()
	if err != nil {
		log.Fatalf("protocol params: %v", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(protoCfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	store := state.NewStore(db)

	strategies := yield.NewRegistry()
	strategies.Register("noyield", yield.NewNoYield())
	venue := yield.NewVenueYield()
	strategies.Register("venue", venue)

	oracle := priceoracle.NewFeedOracle(protoCfg.Oracle.MaxAge)
	ledger := savings.NewLedger(strategies, protoCfg.Savings.StrategyID)

	repay := repayments.NewEngine()
	repay.SetState(store)
	repay.SetPauses(store)

	engine := pool.NewEngine(params)
	engine.SetState(store)
	engine.SetPauses(store)
	engine.SetStrategies(strategies)
	engine.SetOracle(oracle)
	engine.SetSavings(ledger)
	engine.SetRepayments(repay)
	engine.SetEmitter(eventLogger(logger))

	verifier := factory.NewRegistry()
	fac := factory.NewFactory(protoCfg.FactoryLimits(), protoCfg.Assets.Borrow, protoCfg.Assets.Collateral)
	fac.SetEngine(engine)
	fac.SetStrategies(strategies)
	fac.SetVerifier(verifier)

	server := newServer(svcCfg, logger, store, engine, fac, repay, ledger, oracle, verifier)
	server.venue = venue
	httpServer := &http.Server{
		Addr:              svcCfg.ListenAddress,
		Handler:           server.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("poold listening", "address", svcCfg.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("forced shutdown", "error", err)
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve http: %v", err)
		}
	}
}

// eventLogger mirrors engine events into the structured log.
func eventLogger(logger *slog.Logger) func(*types.Event) {
	return func(event *types.Event) {
		if event == nil {
			return
		}
		attrs := make([]any, 0, 2+2*len(event.Attributes))
		attrs = append(attrs, "event", event.Type)
		for key, value := range event.Attributes {
			attrs = append(attrs, key, value)
		}
		logger.Info("pool event", attrs...)
	}
}
