package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/parallelctl/parallelctl/internal/config"
	"github.com/parallelctl/parallelctl/internal/controlapi"
	"github.com/parallelctl/parallelctl/internal/controlapi/websocket"
	"github.com/parallelctl/parallelctl/internal/dag"
	"github.com/parallelctl/parallelctl/internal/logger"
	"github.com/parallelctl/parallelctl/internal/orchestrator"
	"github.com/parallelctl/parallelctl/internal/pool"
	"github.com/parallelctl/parallelctl/internal/rpc"
	"github.com/parallelctl/parallelctl/internal/scheduler"
	"github.com/parallelctl/parallelctl/internal/session"
	"github.com/parallelctl/parallelctl/internal/state"
	"github.com/parallelctl/parallelctl/internal/task"
	"github.com/parallelctl/parallelctl/internal/worktree"
)

func main() {
	taskFile := flag.String("tasks", ".parallelctl/tasks/tasks.json", "path to the task file")
	workerBin := flag.String("worker-bin", "", "path to the worker binary (defaults to this binary's sibling)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting master")

	tasks, err := task.LoadFile(*taskFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load task file")
	}

	d := dag.New()
	if err := d.Load(tasks); err != nil {
		log.Fatal().Err(err).Msg("load task dag")
	}

	sch := scheduler.New(schedulingPolicy(cfg.Master.SchedulingStrategy))
	p := pool.New(3, cfg.Worker.HeartbeatInterval*2)
	store := state.NewStore(cfg.Master.StateSnapshotPath)

	var cipher *rpc.Cipher
	if cfg.RPC.EnableEncryption {
		cipher, err = rpc.NewCipher([]byte(cfg.RPC.SharedKey))
		if err != nil {
			log.Fatal().Err(err).Msg("create rpc cipher")
		}
	}

	rpcServer, err := rpc.Listen(cfg.RPC.SocketPort, cipher, cfg.RPC.RequestTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("start rpc listener")
	}
	defer rpcServer.Close()

	hub := websocket.NewHub()

	// The control API's websocket hub is the only consumer of run events
	// in this deployment; there's no external broker to forward to.
	publisher := controlapi.NewEventBridge(hub, nil)

	o := orchestrator.New(*cfg, d, sch, p, rpcServer, store, publisher)

	if bin := resolveWorkerBin(*workerBin); bin != "" {
		git := worktree.NewExecGitService(cfg.Worktree.Dir)
		mux := session.NewTmuxService()
		provisioner := pool.NewProvisioner(p, git, mux, bin, cfg.Worker.MainBranch)
		o.SetProvisioner(provisioner, cfg.Master.MaxWorkers)
	} else {
		log.Warn().Msg("no worker binary configured, master will only use workers that connect on their own")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub.Run(ctx)
	defer hub.Stop()

	var httpServer *http.Server
	if cfg.ControlAPI.Enabled {
		server := controlapi.NewServer(*cfg, o, hub, o.Run)
		httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.ControlAPI.Host, cfg.ControlAPI.Port),
			Handler: server,
		}
		go func() {
			log.Info().Str("addr", httpServer.Addr).Msg("control API listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("control API server error")
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil {
			log.Error().Err(err).Msg("run ended")
			exitCode = 1
		}
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control API shutdown error")
		}
	}

	log.Info().Msg("master stopped")
	os.Exit(exitCode)
}

func schedulingPolicy(name string) scheduler.Policy {
	switch name {
	case "priority_first", "":
		return scheduler.PriorityFirst
	default:
		return scheduler.PriorityFirst
	}
}

func resolveWorkerBin(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	self, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(self), "worker")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}
