package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"SaleOracle/internal/di"
	"SaleOracle/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s reference=%s providers=%v stages=%d",
		cfg.Environment, cfg.Oracle.ReferenceAsset, cfg.Oracle.Providers, len(cfg.Sale.Stages))

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// blocks until a signal arrives
	if err := app.Run(ctx); err != nil {
		stop()
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
