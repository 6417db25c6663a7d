/*
main.go - Mail relay entry point

PURPOSE:
  Runs the HTTP mail relay the library server posts notices to. Notices
  are rendered to HTML and delivered over SMTP, or logged when dry_run is
  set.

COMMAND-LINE FLAGS:
  -config   YAML config file (optional)
  -addr     Listen address (overrides relay.addr)
  -dry-run  Log emails instead of sending them

EXAMPLES:
  ./mailrelay -dry-run
  ./mailrelay -config=/etc/library.yaml
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

	"github.com/warp/library-engine/config"
	"github.com/warp/library-engine/relay"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "HTTP listen address")
	dryRun := flag.Bool("dry-run", false, "Log emails instead of sending them")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}
	if *dryRun {
		cfg.Relay.DryRun = true
	}

	logger, err := config.NewLogger(cfg.Log, os.Stdout, os.Stderr)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	var mailer relay.Mailer
	if cfg.Relay.DryRun {
		mailer = &relay.LogMailer{Logger: logger}
		logger.Warn("dry run: emails are logged, not sent")
	} else {
		s := cfg.Relay.SMTP
		mailer = &relay.SMTPMailer{Host: s.Host, Port: s.Port, Username: s.Username, Password: s.Password, From: cfg.Relay.From}
	}

	server := &http.Server{
		Addr:         cfg.Relay.Addr,
		Handler:      relay.NewRouter(relay.NewHandler(mailer, logger), cfg.Relay.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("mail relay starting", "addr", cfg.Relay.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("relay forced to shutdown", "error", err)
	}
	logger.Info("mail relay stopped")
}
