package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/nodesync/internal/core/observability/log"
	"github.com/zeusync/nodesync/internal/core/remote/memstore"
	"github.com/zeusync/nodesync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	store := memstore.New(memstore.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := server.New(cfg, store, logger)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err = gw.Start(ctx); err != nil {
		fmt.Println("Error starting gateway:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()
	if err = gw.Stop(); err != nil {
		fmt.Println("Error stopping gateway:", err)
	}
}
