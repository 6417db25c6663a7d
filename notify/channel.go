package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Channel delivers one Message. Implementations must be safe for
// concurrent use.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// =============================================================================
// COMPOSITES
// =============================================================================

// Fallback sends through Primary and, when that fails, through Secondary.
type Fallback struct {
	Primary   Channel
	Secondary Channel
	Logger    *slog.Logger
}

func (f *Fallback) Name() string {
	return f.Primary.Name() + "|" + f.Secondary.Name()
}

func (f *Fallback) Send(ctx context.Context, msg Message) error {
	err := f.Primary.Send(ctx, msg)
	if err == nil {
		return nil
	}
	if f.Logger != nil {
		f.Logger.Warn("primary channel failed, falling back",
			"primary", f.Primary.Name(), "secondary", f.Secondary.Name(), "kind", msg.Kind, "error", err)
	}
	if err2 := f.Secondary.Send(ctx, msg); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

// Multi sends through every channel and joins their errors.
type Multi []Channel

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, c := range m {
		names[i] = c.Name()
	}
	return strings.Join(names, "+")
}

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, c := range m {
		if err := c.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// SELECTION
// =============================================================================

// Options chooses the channel chain.
type Options struct {
	// AppHost is the host the library app is served from. The email widget
	// is only usable off localhost.
	AppHost string

	Relay  *RelayChannel
	Widget *WidgetChannel
	InApp  *InAppChannel

	Logger *slog.Logger
}

// Select builds the channel chain for the environment: the mail relay,
// backed by the email widget when the app is not running on localhost,
// plus the in-app log when enabled. It returns nil when nothing is
// configured.
func Select(opts Options) Channel {
	var email Channel
	switch {
	case opts.Relay != nil && opts.Widget != nil && !IsLocalhost(opts.AppHost):
		email = &Fallback{Primary: opts.Relay, Secondary: opts.Widget, Logger: opts.Logger}
	case opts.Relay != nil:
		email = opts.Relay
	case opts.Widget != nil && !IsLocalhost(opts.AppHost):
		email = opts.Widget
	}

	switch {
	case email != nil && opts.InApp != nil:
		return Multi{email, opts.InApp}
	case email != nil:
		return email
	case opts.InApp != nil:
		return opts.InApp
	}
	return nil
}

// IsLocalhost reports whether host (optionally with a port) is a loopback
// name or address. An empty host counts as local.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
