package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SchemaVersion               = 1
	DefaultPath                 = "/etc/gohome/config.yaml"
	DefaultGRPCAddr             = "0.0.0.0:9000"
	DefaultHTTPAddr             = "0.0.0.0:8080"
	DefaultDashboardDir         = "/var/lib/gohome/dashboards"
	DefaultStateFile            = "/var/lib/gohome/state.json"
	DefaultStateFlushInterval   = 5 * time.Minute
	DefaultBlobPrefix           = "gohome/state"
	DefaultMQTTTopicPrefix      = "gohome"
	DefaultMyEnergiBaseURL      = "https://s18.myenergi.net"
	DefaultMyEnergiPollInterval = 60 * time.Second
	DefaultMyEnergiTimeout      = 20 * time.Second
	DefaultMyEnergiRatePerMin   = 30
)

// Config is the daemon configuration file.
type Config struct {
	SchemaVersion int             `yaml:"schema_version"`
	Core          CoreConfig      `yaml:"core"`
	State         StateConfig     `yaml:"state"`
	Blob          *BlobConfig     `yaml:"blob"`
	MQTT          *MQTTConfig     `yaml:"mqtt"`
	MyEnergi      *MyEnergiConfig `yaml:"myenergi"`
}

type CoreConfig struct {
	GRPCAddr         string `yaml:"grpc_addr"`
	HTTPAddr         string `yaml:"http_addr"`
	DashboardDir     string `yaml:"dashboard_dir"`
	EnableAllPlugins bool   `yaml:"enable_all_plugins"`
}

// StateConfig controls where the host runtime persists devices and settings.
type StateConfig struct {
	File          string        `yaml:"file"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// BlobConfig mirrors host state to S3-compatible object storage.
type BlobConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
	Region        string `yaml:"region"`
}

// MQTTConfig publishes capability values and flow events to a broker.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TopicPrefix  string `yaml:"topic_prefix"`
	ClientID     string `yaml:"client_id"`
}

type MyEnergiConfig struct {
	APIBaseURL           string        `yaml:"api_base_url"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	Fake                 bool          `yaml:"fake"`
	Hubs                 []HubConfig   `yaml:"hubs"`
}

// HubConfig is one hub credential. Exactly one of Password and
// PasswordFile is set.
type HubConfig struct {
	Hubname      string `yaml:"hubname"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
}

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Core.GRPCAddr == "" {
		cfg.Core.GRPCAddr = DefaultGRPCAddr
	}
	if cfg.Core.HTTPAddr == "" {
		cfg.Core.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Core.DashboardDir == "" {
		cfg.Core.DashboardDir = DefaultDashboardDir
	}

	if cfg.State.File == "" {
		cfg.State.File = DefaultStateFile
	}
	if cfg.State.FlushInterval == 0 {
		cfg.State.FlushInterval = DefaultStateFlushInterval
	}

	if cfg.Blob != nil && cfg.Blob.Prefix == "" {
		cfg.Blob.Prefix = DefaultBlobPrefix
	}

	if cfg.MQTT != nil {
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = DefaultMQTTTopicPrefix
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "gohome"
		}
	}

	if cfg.MyEnergi != nil {
		if cfg.MyEnergi.APIBaseURL == "" {
			cfg.MyEnergi.APIBaseURL = DefaultMyEnergiBaseURL
		}
		if cfg.MyEnergi.PollInterval == 0 {
			cfg.MyEnergi.PollInterval = DefaultMyEnergiPollInterval
		}
		if cfg.MyEnergi.RequestTimeout == 0 {
			cfg.MyEnergi.RequestTimeout = DefaultMyEnergiTimeout
		}
		if cfg.MyEnergi.MaxRequestsPerMinute == 0 {
			cfg.MyEnergi.MaxRequestsPerMinute = DefaultMyEnergiRatePerMin
		}
	}
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}
	if cfg.State.FlushInterval < 0 {
		return fmt.Errorf("state.flush_interval must not be negative")
	}

	if cfg.Blob != nil {
		if cfg.Blob.Endpoint == "" {
			return fmt.Errorf("blob.endpoint is required")
		}
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required")
		}
		if cfg.Blob.AccessKeyFile == "" {
			return fmt.Errorf("blob.access_key_file is required")
		}
		if cfg.Blob.SecretKeyFile == "" {
			return fmt.Errorf("blob.secret_key_file is required")
		}
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}

	if cfg.MyEnergi != nil {
		if cfg.MyEnergi.PollInterval < time.Second {
			return fmt.Errorf("myenergi.poll_interval must be at least 1s")
		}
		if cfg.MyEnergi.MaxRequestsPerMinute < 0 {
			return fmt.Errorf("myenergi.max_requests_per_minute must not be negative")
		}
		seen := make(map[string]bool)
		for i, hub := range cfg.MyEnergi.Hubs {
			if strings.TrimSpace(hub.Username) == "" {
				return fmt.Errorf("myenergi.hubs[%d].username is required", i)
			}
			if hub.Password == "" && hub.PasswordFile == "" {
				return fmt.Errorf("myenergi.hubs[%d] needs password or password_file", i)
			}
			if hub.Password != "" && hub.PasswordFile != "" {
				return fmt.Errorf("myenergi.hubs[%d] sets both password and password_file", i)
			}
			key := hub.Hubname + "_" + hub.Username
			if seen[key] {
				return fmt.Errorf("myenergi.hubs[%d] duplicates %s", i, key)
			}
			seen[key] = true
		}
	}

	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if cfg.MyEnergi != nil {
		enabled["myenergi"] = true
	}
	return enabled
}

// ResolvePassword returns the inline password or the trimmed contents of
// PasswordFile.
func (h HubConfig) ResolvePassword() (string, error) {
	if h.PasswordFile == "" {
		return h.Password, nil
	}
	return ReadSecretFile(h.PasswordFile)
}

// ReadSecretFile reads a secret file and trims surrounding whitespace.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
