package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"bazaar/internal/api"
	"bazaar/internal/config"
	"bazaar/internal/ledger"
	"bazaar/internal/logging"
	"bazaar/internal/matcher"
	"bazaar/internal/party"
	"bazaar/internal/settle"
	"bazaar/internal/store"
)

func main() {
	configPath := flag.String("config", "bazaar.yaml", "configuration file path")
	addr := flag.String("addr", "", "listen address override")
	dbPath := flag.String("db", "", "database path override")
	flag.Parse()

	// Optional .env next to the binary; real environment wins.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		zap.NewExample().Fatal("logger init failed", zap.Error(err))
	}
	defer log.Sync()

	st, err := store.Open(cfg.DBPath, log.Named("store"))
	if err != nil {
		log.Fatal("store open failed", zap.String("path", cfg.DBPath), zap.Error(err))
	}

	currencies, err := cfg.CurrencyIDs()
	if err != nil {
		log.Fatal("currency config invalid", zap.Error(err))
	}

	// One owning authority account per configured currency. The authority
	// mints and sinks value for trades against the system itself.
	dir := party.NewMemoryDirectory()
	for id, name := range currencies {
		owner := party.NewMemoryAccount(uuid.New())
		owner.GrantAccount(owner.ID())
		dir.Add(owner)
		dir.SetCurrencyOwner(id, owner.ID())
		log.Info("currency registered",
			zap.String("name", name),
			zap.Stringer("currency", id),
			zap.Stringer("authority", owner.ID()))
	}
	st.SetRegistrar(dir)

	minBound, maxBound, err := cfg.LedgerBounds()
	if err != nil {
		log.Fatal("ledger bounds invalid", zap.Error(err))
	}
	led := ledger.New(ledger.Limits{Min: minBound, Max: maxBound})

	m := matcher.New(st, log.Named("matcher"))
	engine := settle.NewEngine(st, m, led, dir, log.Named("settle"))

	// Ephemeral agent orders from a previous run do not survive a restart.
	for _, side := range []store.Side{store.Buy, store.Sell} {
		n, err := st.ClearTemporaryOrders(side)
		if err != nil {
			log.Fatal("temporary order cleanup failed", zap.Stringer("side", side), zap.Error(err))
		}
		if n > 0 {
			log.Info("temporary orders purged", zap.Stringer("side", side), zap.Int64("count", n))
		}
	}
	if err := st.Commit(); err != nil {
		log.Fatal("temporary order cleanup commit failed", zap.Error(err))
	}

	loop := settle.NewLoop(engine, cfg.IdleInterval(), log.Named("loop"))
	loop.Start()

	server := api.NewServer(st, m, cfg.Settle.TrendWindowDays, cfg.CORSOrigins, log.Named("api"))
	engine.OnTrade(server.HandleTrade)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info("bazaar listening",
			zap.String("addr", cfg.Addr),
			zap.String("db", cfg.DBPath),
			zap.Duration("settle_interval", cfg.IdleInterval()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	loop.Stop()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}

	if err := st.Close(); err != nil {
		log.Warn("store close error", zap.Error(err))
	}

	log.Info("shutdown complete")
}
