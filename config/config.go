/*
Package config loads the YAML configuration shared by the binaries.

PURPOSE:
  One file configures the library server, the mail relay and the admin CLI.
  Every field has a default, so running without a file works. Command-line
  flags override what the file says.

FILE FORMAT (library.yaml):

	server:
	  addr: ":8080"
	store:
	  driver: sqlite        # memory | sqlite | badger
	  path: library.db
	reconcile:
	  min_interval: 1m
	notify:
	  relay_url: http://localhost:3001
	  app_host: localhost
	  in_app: true
	  bulk_rate: 5          # notices per second, 0 = unpaced
	  widget:
	    service_id: ...
	relay:
	  addr: ":3001"
	  from: library@example.com
	  dry_run: true
	  smtp: {host: smtp.example.com, port: 587}
	log:
	  level: info           # debug | info | warn | error
	  format: text          # text | json

Library rules (borrow duration, fine per day, max books) are not here:
they live in the record store and are edited through the API.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Notify    NotifyConfig    `yaml:"notify"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite badger"`
	Path   string `yaml:"path" validate:"required_unless=Driver memory"`
}

type ReconcileConfig struct {
	MinInterval time.Duration `yaml:"min_interval" validate:"gte=0"`
}

type NotifyConfig struct {
	RelayURL string       `yaml:"relay_url" validate:"omitempty,url"`
	AppHost  string       `yaml:"app_host"`
	InApp    bool         `yaml:"in_app"`
	BulkRate float64      `yaml:"bulk_rate" validate:"gte=0"`
	Widget   WidgetConfig `yaml:"widget"`
}

// WidgetConfig configures the hosted email widget. It is enabled when
// ServiceID is set.
type WidgetConfig struct {
	Endpoint   string `yaml:"endpoint" validate:"omitempty,url"`
	ServiceID  string `yaml:"service_id"`
	TemplateID string `yaml:"template_id" validate:"required_with=ServiceID"`
	PublicKey  string `yaml:"public_key" validate:"required_with=ServiceID"`
}

type RelayConfig struct {
	Addr           string     `yaml:"addr" validate:"required"`
	From           string     `yaml:"from" validate:"omitempty,email"`
	DryRun         bool       `yaml:"dry_run"`
	AllowedOrigins []string   `yaml:"allowed_origins"`
	SMTP           SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Store:     StoreConfig{Driver: "sqlite", Path: "library.db"},
		Reconcile: ReconcileConfig{MinInterval: time.Minute},
		Notify: NotifyConfig{
			AppHost:  "localhost",
			InApp:    true,
			BulkRate: 5,
		},
		Relay: RelayConfig{
			Addr:   ":3001",
			From:   "noreply@library.local",
			DryRun: true,
			SMTP:   SMTPConfig{Port: 587},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules tags cannot
// express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Relay.DryRun && c.Relay.SMTP.Host == "" {
		return errors.New("invalid config: relay.smtp.host is required unless relay.dry_run is set")
	}
	return nil
}
