// The simulator serves a synthetic device fleet: a WebSocket broadcast
// channel with seed-then-telemetry semantics and fault injection, plus a
// control API for idempotent reboot commands. It exists to exercise the
// dashboard client's reconciliation logic against an unreliable stream.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetpulse/fleetpulse/simulator/audit"
	"github.com/fleetpulse/fleetpulse/simulator/fleet"
	"github.com/fleetpulse/fleetpulse/simulator/idempotency"
	"github.com/fleetpulse/fleetpulse/telemetry"
)

func main() {
	cfg := LoadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var idem idempotency.Store = idempotency.NewMemory(cfg.IdemRetention)
	if cfg.RedisAddr != "" {
		r, err := idempotency.NewRedis(cfg.RedisAddr, cfg.IdemRetention)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer r.Close()
		idem = r
		log.Printf("Using Redis idempotency store at %s", cfg.RedisAddr)
	}

	var auditLog *audit.Log
	if cfg.DatabaseURL != "" {
		var err error
		auditLog, err = audit.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open command audit log: %v", err)
		}
		defer auditLog.Close()
		log.Printf("Command audit log enabled")
	}

	var fl *fleet.Fleet
	hub := NewHub(func() []telemetry.Device { return fl.Snapshot() })
	fl = fleet.New(fleet.Config{
		Devices:         cfg.Devices,
		EventsPerSecond: cfg.EventsPerSecond,
		DupRate:         cfg.DupRate,
		OOORate:         cfg.OOORate,
	}, hub, nil)

	go hub.Run(ctx)
	go fl.Run(ctx)

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", streamHandler(hub, cfg.DropConnEvery))
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}

	apiMux := http.NewServeMux()
	NewAPI(fl, idem, auditLog).Routes(apiMux)
	apiMux.Handle("/metrics", promhttp.Handler())
	apiServer := &http.Server{Addr: cfg.APIAddr, Handler: apiMux}

	go func() {
		log.Printf("WebSocket server on %s", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("WebSocket server: %v", err)
		}
	}()
	go func() {
		log.Printf("Control API on %s", cfg.APIAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Control API: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	wsServer.Shutdown(shutdownCtx)
	apiServer.Shutdown(shutdownCtx)
}
