// Package wire builds the record store and notification chain from
// configuration. It is shared by the binaries under cmd/.
package wire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/library-engine/circulation"
	memstore "github.com/warp/library-engine/circulation/store"
	"github.com/warp/library-engine/config"
	"github.com/warp/library-engine/notify"
	"github.com/warp/library-engine/store/badger"
	"github.com/warp/library-engine/store/sqlite"
	"golang.org/x/time/rate"
)

// OpenStore opens the configured backend. The returned close function is
// never nil.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (circulation.RecordStore, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store %s: %w", cfg.Path, err)
		}
		return s, s.Close, nil
	case "badger":
		bcfg := badger.DefaultConfig(cfg.Path)
		bcfg.Logger = logger
		s, err := badger.Open(bcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store %s: %w", cfg.Path, err)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// relayCheckTimeout bounds the startup health check of the mail relay.
const relayCheckTimeout = 3 * time.Second

// NewEmitter builds the channel chain for cfg. hub may be nil; the in-app
// channel then records notifications without pushing them. It returns nil
// when no channel is configured.
//
// A configured relay that fails its health check is left out of the chain
// when the email widget can take its place; otherwise it is kept and a
// warning logged, since it may come up later.
func NewEmitter(cfg config.NotifyConfig, s circulation.RecordStore, hub *notify.Hub, logger *slog.Logger) *notify.Emitter {
	opts := notify.Options{AppHost: cfg.AppHost, Logger: logger}
	if cfg.Widget.ServiceID != "" {
		w := cfg.Widget
		opts.Widget = notify.NewWidgetChannel(w.Endpoint, w.ServiceID, w.TemplateID, w.PublicKey)
	}
	if cfg.RelayURL != "" {
		relay := notify.NewRelayChannel(cfg.RelayURL)
		ctx, cancel := context.WithTimeout(context.Background(), relayCheckTimeout)
		healthy := relay.Healthy(ctx)
		cancel()
		switch {
		case healthy:
			opts.Relay = relay
		case opts.Widget != nil && !notify.IsLocalhost(cfg.AppHost):
			logger.Warn("mail relay unreachable; using the email widget", "relay_url", cfg.RelayURL)
		default:
			logger.Warn("mail relay unreachable at startup", "relay_url", cfg.RelayURL)
			opts.Relay = relay
		}
	}
	if cfg.InApp {
		opts.InApp = notify.NewInAppChannel(s, hub)
	}

	ch := notify.Select(opts)
	if ch == nil {
		logger.Warn("no notification channel configured; notices are disabled")
		return nil
	}

	em := notify.NewEmitter(s, ch, logger)
	if opts.Relay != nil {
		em.Bulk = opts.Relay
	}
	if cfg.BulkRate > 0 {
		em.Limiter = rate.NewLimiter(rate.Limit(cfg.BulkRate), 1)
	}
	logger.Info("notifications enabled", "channel", ch.Name())
	return em
}
