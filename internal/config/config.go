package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Primary     PrimaryConfig     `yaml:"primary" validate:"required"`
	Replicas    []ReplicaConfig   `yaml:"replicas" validate:"dive"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Rebuild     RebuildConfig     `yaml:"rebuild"`
	Registry    RegistryConfig    `yaml:"registry"`
}

type ServerConfig struct {
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	LogLevel string `yaml:"log_level"`
}

type PrimaryConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Endpoint string `yaml:"endpoint" validate:"required"`
	// AccessControlFile is the pg_hba-equivalent consumed by the
	// database at startup. The controller reads it for diagnostics
	// only and never mutates it.
	AccessControlFile string `yaml:"access_control_file"`
}

// ReplicaConfig pre-registers a replica at daemon startup. Further
// replicas can be registered at runtime through the API.
type ReplicaConfig struct {
	ID        string `yaml:"id" validate:"required"`
	Endpoint  string `yaml:"endpoint" validate:"required"`
	DataDir   string `yaml:"data_dir"`
	ServiceID string `yaml:"service_id"`
}

// SupervisionConfig carries the classification tunables. Acceptable
// lag is deployment-specific, so none of these are hardcoded.
type SupervisionConfig struct {
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	LagThreshold     time.Duration `yaml:"lag_threshold"`
	DisconnectProbes int           `yaml:"disconnect_probes" validate:"gte=0"`
	HealthyProbes    int           `yaml:"healthy_probes" validate:"gte=0"`
	WindowSize       int           `yaml:"window_size" validate:"gte=0"`
	SlotPrefix       string        `yaml:"slot_prefix"`
}

type RebuildConfig struct {
	ReadyTimeout  time.Duration `yaml:"ready_timeout"`
	ReadyInterval time.Duration `yaml:"ready_interval"`
	// StopCommand/StartCommand are argv templates for the service
	// collaborator; {service} expands to the replica's service ID.
	StopCommand  []string `yaml:"stop_command"`
	StartCommand []string `yaml:"start_command"`
	// BaseBackupBinary overrides the pg_basebackup path.
	BaseBackupBinary string `yaml:"base_backup_binary"`
}

type RegistryConfig struct {
	Path string `yaml:"path"`
}

// Default returns the built-in defaults, before file and env loading.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8090,
			LogLevel: "info",
		},
		Supervision: SupervisionConfig{
			ProbeInterval:    10 * time.Second,
			ProbeTimeout:     5 * time.Second,
			LagThreshold:     30 * time.Second,
			DisconnectProbes: 5,
			HealthyProbes:    3,
			WindowSize:       10,
			SlotPrefix:       "standby_",
		},
		Rebuild: RebuildConfig{
			ReadyTimeout:  5 * time.Minute,
			ReadyInterval: 2 * time.Second,
			StopCommand:   []string{"systemctl", "stop", "{service}"},
			StartCommand:  []string{"systemctl", "start", "{service}"},
		},
		Registry: RegistryConfig{
			Path: "standby.db",
		},
	}
}

// Load reads a yaml config file over the defaults, applies env
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints via struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}
