package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.io/infrasutra/mailfetch/internal/config"
	"github.io/infrasutra/mailfetch/internal/fetcher"
	"github.io/infrasutra/mailfetch/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single drain pass and exit")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	worker := fetcher.New(db, db, db, db,
		fetcher.Dialer(cfg.DialTimeout, cfg.ReadTimeout), logger,
		fetcher.Options{
			Channel:     config.FetchChannel,
			MaxMailSize: cfg.MaxMailSize,
			LeaseTTL:    cfg.LeaseTTL,
			IdleWait:    cfg.IdleWait,
		})

	logger.Info("fetch worker started", "channel", config.FetchChannel, "once", *once)
	if *once {
		if err := worker.Drain(ctx); err != nil {
			logger.Error("drain pass failed", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("fetch worker exiting")
}
