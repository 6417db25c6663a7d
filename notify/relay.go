package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/warp/library-engine/relay"
)

// RelayChannel posts messages to the mail relay over HTTP/JSON.
// Failures are reported, never retried.
type RelayChannel struct {
	BaseURL string
	Client  *http.Client
}

func NewRelayChannel(baseURL string) *RelayChannel {
	return &RelayChannel{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RelayChannel) Name() string { return "relay" }

func (c *RelayChannel) Send(ctx context.Context, msg Message) error {
	path, payload, err := relayPayload(msg)
	if err != nil {
		return err
	}
	var resp relay.Response
	if err := c.post(ctx, path, payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("relay rejected %s: %s", msg.Kind, resp.Message)
	}
	return nil
}

// SendBulk posts every notice in one request and returns the relay's
// per-student results.
func (c *RelayChannel) SendBulk(ctx context.Context, notices []relay.OverdueNotificationRequest) ([]relay.BulkResult, error) {
	var resp relay.BulkResponse
	if err := c.post(ctx, relay.PathBulkOverdue, relay.BulkOverdueRequest{OverdueRecords: notices}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Healthy reports whether the relay answers its health check.
func (c *RelayChannel) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+relay.PathHealth, nil)
	if err != nil {
		return false
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func relayPayload(msg Message) (string, any, error) {
	switch {
	case msg.Kind == KindOverdue && msg.Overdue != nil:
		return relay.PathOverdue, msg.Overdue, nil
	case msg.Kind == KindBorrow && msg.Borrow != nil:
		return relay.PathBorrow, msg.Borrow, nil
	case msg.Kind == KindReturn && msg.Return != nil:
		return relay.PathReturn, msg.Return, nil
	case msg.Kind == KindRegistration && msg.Registration != nil:
		return relay.PathRegistration, msg.Registration, nil
	case msg.Kind == KindAnnouncement && msg.Announcement != nil:
		return relay.PathAnnouncement, msg.Announcement, nil
	}
	return "", nil, fmt.Errorf("no relay payload for %q message", msg.Kind)
}

func (c *RelayChannel) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}
	// The relay answers {success:false} with a 4xx/5xx status; prefer its message.
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("relay returned %s", resp.Status)
		}
		return fmt.Errorf("decode relay response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if r, ok := out.(*relay.Response); ok && r.Message != "" {
			return errors.New("relay returned " + resp.Status + ": " + r.Message)
		}
		return fmt.Errorf("relay returned %s", resp.Status)
	}
	return nil
}

func (c *RelayChannel) client() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}
