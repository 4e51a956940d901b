package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/parallelctl/parallelctl/internal/config"
	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/rpc"
	"github.com/parallelctl/parallelctl/internal/worker"
)

func main() {
	workerID := flag.String("worker-id", "", "worker identity presented to the master (defaults to config/env)")
	worktreePath := flag.String("worktree", "", "path to this worker's git worktree, for logging only")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()

	id := cfg.Worker.ID
	if *workerID != "" {
		id = *workerID
	}
	if id == "" {
		log.Fatal().Msg("worker id not set (use --worker-id or worker.id)")
	}

	log.Info().Str("worker_id", id).Str("worktree", *worktreePath).Msg("starting worker")

	var cipher *rpc.Cipher
	if cfg.RPC.EnableEncryption {
		cipher, err = rpc.NewCipher([]byte(cfg.RPC.SharedKey))
		if err != nil {
			log.Fatal().Err(err).Msg("create rpc cipher")
		}
	}

	registry := worker.NewRegistry()

	rt := worker.New(worker.Config{
		WorkerID:          id,
		MasterAddr:        fmt.Sprintf("%s:%d", cfg.RPC.MasterHost, cfg.RPC.SocketPort),
		Token:             cfg.Auth.JWTSecret,
		Cipher:            cipher,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ConnectTimeout:    cfg.RPC.ConnectTimeout,
		RequestTimeout:    cfg.RPC.RequestTimeout,
		ReconnectBackoff:  cfg.RPC.ReconnectBackoff,
		ReconnectMaxDelay: cfg.RPC.ReconnectMaxDelay,
	}, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		rt.Stop()
		<-runDone
	case err := <-runDone:
		if err != nil {
			log.Error().Err(err).Msg("worker run ended")
			exitCode = 1
		}
	}

	log.Info().Msg("worker stopped")
	os.Exit(exitCode)
}
