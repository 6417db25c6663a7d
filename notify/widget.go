package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultWidgetEndpoint is the EmailJS send API.
const DefaultWidgetEndpoint = "https://api.emailjs.com/api/v1.0/email/send"

// WidgetChannel sends through a third-party email widget service with an
// EmailJS-compatible REST API. The template receives the rendered text, so
// every message kind goes through the same template.
type WidgetChannel struct {
	Endpoint   string
	ServiceID  string
	TemplateID string
	PublicKey  string
	Client     *http.Client
}

func NewWidgetChannel(endpoint, serviceID, templateID, publicKey string) *WidgetChannel {
	if endpoint == "" {
		endpoint = DefaultWidgetEndpoint
	}
	return &WidgetChannel{
		Endpoint:   endpoint,
		ServiceID:  serviceID,
		TemplateID: templateID,
		PublicKey:  publicKey,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WidgetChannel) Name() string { return "widget" }

type widgetRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	TemplateParams map[string]string `json:"template_params"`
}

func (c *WidgetChannel) Send(ctx context.Context, msg Message) error {
	if msg.To.Email == "" {
		return fmt.Errorf("widget: %s message has no recipient", msg.Kind)
	}
	body, err := json.Marshal(widgetRequest{
		ServiceID:  c.ServiceID,
		TemplateID: c.TemplateID,
		UserID:     c.PublicKey,
		TemplateParams: map[string]string{
			"to_email": msg.To.Email,
			"to_name":  msg.To.Name,
			"subject":  msg.Subject,
			"message":  msg.Text,
			"kind":     string(msg.Kind),
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("widget unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("widget returned %s: %s", resp.Status, bytes.TrimSpace(detail))
	}
	return nil
}
