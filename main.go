package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/agentmux/agentmux/internal/auth"
	"github.com/agentmux/agentmux/internal/bridge"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/gateway"
	"github.com/agentmux/agentmux/internal/handlers"
	"github.com/agentmux/agentmux/internal/middleware"
	"github.com/agentmux/agentmux/internal/sandbox"
	"github.com/agentmux/agentmux/internal/session"
	"github.com/agentmux/agentmux/internal/store"
)

func main() {
	config.Load()

	sandboxDir := config.Cfg.SandboxDir
	if sandboxDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("resolve working directory: %v", err)
		}
		sandboxDir = wd
	}
	guard, err := sandbox.NewGuard(sandboxDir)
	if err != nil {
		log.Fatalf("Sandbox init: %v", err)
	}
	log.Printf("Sandbox base: %s", guard.Base())

	registry := session.NewRegistry(config.Cfg.OutputBufferSize)

	snapshotPath := config.Cfg.SnapshotFile
	if !filepath.IsAbs(snapshotPath) {
		snapshotPath = filepath.Join(config.Cfg.DataPath, snapshotPath)
	}
	maxAge := config.ParseDurationOr(config.Cfg.SnapshotMaxAge, store.DefaultMaxAge)
	snapshots := store.New(snapshotPath, maxAge)
	registry.Import(snapshots.Load())

	gate := auth.NewGate(config.Cfg.AuthToken)
	log.Printf("Auth: enabled=%v", gate.Enabled())

	claude := bridge.NewClaude()
	codex := bridge.NewCodex()
	bridges := map[string]bridge.Bridge{
		claude.Name(): claude,
		codex.Name():  codex,
	}

	gw := gateway.New(registry, guard, bridges, claude.Name())

	handlers.Registry = registry
	handlers.Gateway = gw
	handlers.Guard = guard
	handlers.Gate = gate
	handlers.Snapshots = snapshots

	saveSnapshot := func() {
		if err := snapshots.Save(registry.Export(config.Cfg.PersistedTailSize)); err != nil {
			log.Printf("Snapshot save: %v", err)
		}
	}

	rateWindow := config.ParseDurationOr(config.Cfg.RateLimitWindow, time.Minute)
	requireToken := middleware.RequireToken(gate, config.Cfg.RateLimitMax, rateWindow)

	// Periodic snapshot saves and rate-limiter sweeps.
	interval := config.ParseDurationOr(config.Cfg.SnapshotInterval, time.Minute)
	scheduler := cron.New()
	scheduler.Schedule(cron.Every(interval), cron.FuncJob(saveSnapshot))
	scheduler.Schedule(cron.Every(10*time.Minute), cron.FuncJob(func() {
		gate.Sweep(2 * rateWindow)
	}))
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health and auth probes (no auth)
	r.Get("/health", handlers.HealthCheck)
	r.Get("/api/v1/auth/status", handlers.AuthStatus)
	r.Post("/api/v1/auth/verify", handlers.AuthVerify)

	// Event-stream channel; token checked before the upgrade.
	r.With(requireToken).Get("/ws", gw.HandleWS)

	// Control plane (token required)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireToken)

		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)
		r.Put("/sessions/{id}/name", handlers.RenameSession)

		r.Get("/workdir", handlers.GetWorkingDir)
		r.Put("/workdir", handlers.SetWorkingDir)
		r.Delete("/workdir", handlers.ClearWorkingDir)

		r.Get("/folders", handlers.ListFolders)
		r.Post("/folders", handlers.CreateFolder)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	// Shutdown runs exactly once, on signal or fatal server error: stop
	// accepting requests, disconnect clients, snapshot, stop processes.
	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			log.Println("Shutting down...")
			scheduler.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP shutdown: %v", err)
			}

			gw.CloseAll()
			saveSnapshot()
			claude.StopAll()
			codex.StopAll()
			log.Println("Server stopped")
		})
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	shutdown()
}
