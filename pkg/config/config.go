package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the configuration file leaves a field empty
const (
	DefaultPort                   = "8080"
	DefaultCollectorTimeout       = 5 * time.Second
	DefaultBatchSize              = 10
	DefaultBatchTimeout           = 8 * time.Second
	DefaultMaxTagPages            = 5
	DefaultMaxTags                = 50
	DefaultHubAPIURL              = "https://hub.docker.com"
	DefaultHubWebURL              = "https://hub.docker.com"
	DefaultContainerRegistryHost  = "ghcr.io"
	DefaultHubTTL                 = 24 * time.Hour
	DefaultCDNTTL                 = time.Hour
	DefaultCDNFailureTTL          = 10 * time.Minute
	DefaultMetadataBudget         = 3 * time.Second
	DefaultSnapshotTTL            = 15 * time.Minute
	DefaultDashboardIconsTemplate = "https://cdn.jsdelivr.net/gh/walkxcode/dashboard-icons/png/%s.png"
	DefaultSelfhstIconsTemplate   = "https://cdn.jsdelivr.net/gh/selfhst/icons/png/%s.png"
)

// TLSConfig holds client TLS material for a remote daemon
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile            string `yaml:"key_file" validate:"required_with=CertFile"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SourceConfig describes one container runtime endpoint
type SourceConfig struct {
	Name        string        `yaml:"name" validate:"required"`
	DisplayName string        `yaml:"display_name"`
	Socket      string        `yaml:"socket" validate:"required_without=Endpoint,excluded_with=Endpoint"`
	Endpoint    string        `yaml:"endpoint" validate:"omitempty,url"`
	Username    string        `yaml:"username" validate:"required_with=Password"`
	Password    string        `yaml:"password"`
	TLS         *TLSConfig    `yaml:"tls"`
	Color       string        `yaml:"color"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Label returns the display label, falling back to the source name
func (s SourceConfig) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port       string `yaml:"port"`
	PublicURL  string `yaml:"public_url"`
	InstanceID string `yaml:"instance_id"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// CollectorConfig holds host polling settings
type CollectorConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// RegistryConfig holds digest-to-tag resolution settings
type RegistryConfig struct {
	HubAPIURL             string        `yaml:"hub_api_url" validate:"omitempty,url"`
	ContainerRegistryHost string        `yaml:"container_registry_host"`
	MaxTagPages           int           `yaml:"max_tag_pages" validate:"gte=0"`
	MaxTags               int           `yaml:"max_tags" validate:"gte=0"`
	BatchSize             int           `yaml:"batch_size" validate:"gte=0"`
	BatchTimeout          time.Duration `yaml:"batch_timeout" validate:"gte=0"`
	UseDockerConfig       bool          `yaml:"use_docker_config"`
}

// MetadataConfig holds icon and description resolution settings
type MetadataConfig struct {
	IconOverrides map[string]string `yaml:"icon_overrides"`
	IconLibraries []string          `yaml:"icon_libraries"`
	HubAPIURL     string            `yaml:"hub_api_url" validate:"omitempty,url"`
	HubWebURL     string            `yaml:"hub_web_url" validate:"omitempty,url"`
	HubTTL        time.Duration     `yaml:"hub_ttl" validate:"gte=0"`
	CDNTTL        time.Duration     `yaml:"cdn_ttl" validate:"gte=0"`
	CDNFailureTTL time.Duration     `yaml:"cdn_failure_ttl" validate:"gte=0"`
	// Budget bounds icon and description resolution for one aggregation
	Budget time.Duration `yaml:"budget" validate:"gte=0"`
}

// CacheConfig selects the shared cache backend
type CacheConfig struct {
	Backend       string        `yaml:"backend" validate:"omitempty,oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" validate:"gte=0"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl" validate:"gte=0"`
}

// Config represents the configuration file structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Collector CollectorConfig `yaml:"collector"`
	Registry  RegistryConfig  `yaml:"registry"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Cache     CacheConfig     `yaml:"cache"`
	Sources   []SourceConfig  `yaml:"sources" validate:"required,min=1,unique=Name,dive"`
}

// Load reads, defaults and validates a YAML configuration file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides file values with environment variables
func applyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if backend := os.Getenv("FLEET_CACHE_BACKEND"); backend != "" {
		cfg.Cache.Backend = strings.ToLower(backend)
	}
	if addr := os.Getenv("FLEET_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Collector.Timeout == 0 {
		cfg.Collector.Timeout = DefaultCollectorTimeout
	}

	r := &cfg.Registry
	if r.HubAPIURL == "" {
		r.HubAPIURL = DefaultHubAPIURL
	}
	if r.ContainerRegistryHost == "" {
		r.ContainerRegistryHost = DefaultContainerRegistryHost
	}
	if r.MaxTagPages == 0 {
		r.MaxTagPages = DefaultMaxTagPages
	}
	if r.MaxTags == 0 {
		r.MaxTags = DefaultMaxTags
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.BatchTimeout == 0 {
		r.BatchTimeout = DefaultBatchTimeout
	}

	m := &cfg.Metadata
	if len(m.IconLibraries) == 0 {
		m.IconLibraries = []string{DefaultDashboardIconsTemplate, DefaultSelfhstIconsTemplate}
	}
	if m.HubAPIURL == "" {
		m.HubAPIURL = DefaultHubAPIURL
	}
	if m.HubWebURL == "" {
		m.HubWebURL = DefaultHubWebURL
	}
	if m.HubTTL == 0 {
		m.HubTTL = DefaultHubTTL
	}
	if m.CDNTTL == 0 {
		m.CDNTTL = DefaultCDNTTL
	}
	if m.CDNFailureTTL == 0 {
		m.CDNFailureTTL = DefaultCDNFailureTTL
	}
	if m.Budget == 0 {
		m.Budget = DefaultMetadataBudget
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.SnapshotTTL == 0 {
		cfg.Cache.SnapshotTTL = DefaultSnapshotTTL
	}
}
