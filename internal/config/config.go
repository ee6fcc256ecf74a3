// Package config loads and validates the formcore configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/formcore/internal/model"
)

// Config is the complete process configuration.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Storage     StorageConfig           `yaml:"storage"`
	Attachments AttachmentsConfig       `yaml:"attachments"`
	Locks       LocksConfig             `yaml:"locks"`
	Events      EventsConfig            `yaml:"events"`
	Domains     map[string]DomainConfig `yaml:"domains" validate:"dive"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// MaxAttachmentBytes caps every submitted file. Zero means no limit.
	MaxAttachmentBytes int64 `yaml:"max_attachment_bytes" validate:"gte=0"`

	// Maintenance rejects every mutating request with 503.
	Maintenance bool `yaml:"maintenance"`

	// RateLimit is the sustained requests per second allowed per domain.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`

	// DemoUserID is the only user the practice receiver accepts.
	DemoUserID string `yaml:"demo_user_id"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Storage backends.
const (
	BackendSQL = "sql"
	BackendDoc = "doc"
)

// StorageConfig selects the form and case backends.
type StorageConfig struct {
	// Backend is the default backend for domains without an override.
	Backend string `yaml:"backend" validate:"oneof=sql doc"`

	// Domains routes individual domains to a backend.
	Domains map[string]string `yaml:"domains" validate:"dive,oneof=sql doc"`

	SQLitePath string `yaml:"sqlite_path"`
	BadgerDir  string `yaml:"badger_dir"`

	// InMemory keeps both backends in RAM.
	InMemory bool `yaml:"in_memory"`
}

// AttachmentsConfig selects the blob backend.
type AttachmentsConfig struct {
	Backend     string   `yaml:"backend" validate:"oneof=memory badger s3"`
	Parallelism int      `yaml:"parallelism" validate:"gte=0"`
	S3          S3Config `yaml:"s3"`
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
	Prefix    string `yaml:"prefix"`
}

// LocksConfig selects the lock manager.
type LocksConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`
}

// EventsConfig selects where change events go.
type EventsConfig struct {
	Backend      string        `yaml:"backend" validate:"oneof=none memory kafka"`
	Brokers      []string      `yaml:"brokers" validate:"dive,hostname_port"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gte=0"`
}

// DomainConfig holds a domain's feature switches.
type DomainConfig struct {
	ExtensionCases           *bool                     `yaml:"extension_cases"`
	ExtensionCloseExclusions []model.ExtensionExclusion `yaml:"extension_close_exclusions" validate:"dive"`
	DemoOnly                 bool                      `yaml:"demo_only"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			RateBurst:       20,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:  BackendSQL,
			InMemory: true,
		},
		Attachments: AttachmentsConfig{Backend: "memory", Parallelism: 4},
		Locks: LocksConfig{
			Backend:       "memory",
			TTL:           30 * time.Second,
			Timeout:       5 * time.Second,
			RetryInterval: 50 * time.Millisecond,
		},
		Events: EventsConfig{Backend: "none", Topic: "formcore.changes", BatchTimeout: 100 * time.Millisecond},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the settings each backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	var problems []string
	if !c.Storage.InMemory {
		for _, b := range c.storageBackends() {
			switch {
			case b == BackendSQL && c.Storage.SQLitePath == "":
				problems = append(problems, "storage.sqlite_path is required for the sql backend")
			case b == BackendDoc && c.Storage.BadgerDir == "":
				problems = append(problems, "storage.badger_dir is required for the doc backend")
			}
		}
	}
	if c.Attachments.Backend == "badger" && c.Storage.BadgerDir == "" && !c.Storage.InMemory {
		problems = append(problems, "storage.badger_dir is required for badger attachments")
	}
	if c.Attachments.Backend == "s3" && c.Attachments.S3.Bucket == "" {
		problems = append(problems, "attachments.s3.bucket is required for the s3 backend")
	}
	if c.Locks.Backend == "redis" && c.Locks.RedisAddr == "" {
		problems = append(problems, "locks.redis_addr is required for the redis backend")
	}
	if c.Events.Backend == "kafka" && (len(c.Events.Brokers) == 0 || c.Events.Topic == "") {
		problems = append(problems, "events.brokers and events.topic are required for the kafka backend")
	}
	for name, d := range c.Domains {
		if d.DemoOnly && c.Server.DemoUserID == "" {
			problems = append(problems, fmt.Sprintf("domains.%s is demo_only but server.demo_user_id is empty", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// storageBackends returns each backend some domain resolves to.
func (c *Config) storageBackends() []string {
	seen := map[string]bool{c.Storage.Backend: true}
	out := []string{c.Storage.Backend}
	for _, b := range c.Storage.Domains {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// Policy returns the processing policy for domain.
func (c *Config) Policy(domain string) model.DomainPolicy {
	p := model.DefaultPolicy(domain)
	d, ok := c.Domains[domain]
	if !ok {
		return p
	}
	if d.ExtensionCases != nil {
		p.ExtensionCasesEnabled = *d.ExtensionCases
	}
	p.ExtensionCloseExclusions = append([]model.ExtensionExclusion(nil), d.ExtensionCloseExclusions...)
	p.DemoOnly = d.DemoOnly
	return p
}
