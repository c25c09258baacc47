package main

import (
	"errors"
	"flag"
	"log"
	"os"

	"FinGate/internal/di"
	"FinGate/pkg/config"
	"FinGate/pkg/server"
)

const (
	exitFailure   = 1
	exitNotLeader = 2
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	checkOnly := flag.Bool("check", false, "load and validate the config, then exit")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config %s: %v", *configPath, err)
	}
	log.Printf("env=%s broker=%s bars=%s symbols=%v",
		cfg.Environment, cfg.Broker.Mode, cfg.MarketData.Source, cfg.Trading.Symbols)
	if *checkOnly {
		return
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	err = app.Run()
	cleanup()

	switch {
	case errors.Is(err, server.ErrNotLeader):
		log.Printf("standing down: %v", err)
		os.Exit(exitNotLeader)
	case err != nil:
		log.Printf("app error: %v", err)
		os.Exit(exitFailure)
	}
}
