/*
main.go - Library server entry point

PURPOSE:
  Initializes and starts the library circulation API server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load the YAML config (if any) and apply flag overrides
  2. Open the record store (memory, SQLite or Badger)
  3. Start the websocket hub for in-app notifications
  4. Build the notification chain and the API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config    YAML config file (optional)
  -addr      Listen address (overrides server.addr)
  -store     memory | sqlite | badger (overrides store.driver)
  -db        Store path (overrides store.path)
  -relay     Mail relay base URL (overrides notify.relay_url)
  -scenario  Load a demo scenario at startup (resets the store)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Wait for background notices, stop the hub
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/library.db"

  # Run in memory with demo data
  ./server -store=memory -scenario=busy-term

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Config file format
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/library-engine/api"
	"github.com/warp/library-engine/cmd/internal/wire"
	"github.com/warp/library-engine/config"
	"github.com/warp/library-engine/notify"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "HTTP listen address")
	driver := flag.String("store", "", "Record store: memory, sqlite or badger")
	dbPath := flag.String("db", "", "Record store path")
	relayURL := flag.String("relay", "", "Mail relay base URL")
	scenario := flag.String("scenario", "", "Demo scenario to load at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	override(&cfg.Server.Addr, *addr)
	override(&cfg.Store.Driver, *driver)
	override(&cfg.Store.Path, *dbPath)
	override(&cfg.Notify.RelayURL, *relayURL)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log, os.Stdout, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	// Initialize store
	store, closeStore, err := wire.OpenStore(cfg.Store, logger)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer closeStore()

	if *scenario != "" {
		if err := api.LoadScenario(context.Background(), store, *scenario, time.Now()); err != nil {
			log.Fatalf("Failed to load scenario: %v", err)
		}
		logger.Info("scenario loaded", "scenario", *scenario)
	}

	// Websocket hub for in-app notifications
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	var hub *notify.Hub
	if cfg.Notify.InApp {
		hub = notify.NewHub(logger)
		go hub.Run(hubCtx)
	}

	// Initialize handler
	emitter := wire.NewEmitter(cfg.Notify, store, hub, logger)
	handler := api.NewHandler(store, emitter, hub, logger)
	handler.Trigger.MinInterval = cfg.Reconcile.MinInterval

	// Create router
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins...)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	handler.Trigger.Wait()
	stopHub()

	logger.Info("server stopped")
}

func override(dst *string, flagValue string) {
	if flagValue != "" {
		*dst = flagValue
	}
}
