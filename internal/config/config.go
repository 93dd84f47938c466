// internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Explorer      ExplorerConfig     `yaml:"explorer"`
	Monitoring    MonitoringConfig   `yaml:"monitoring"`
	Geocoding     GeocodingConfig    `yaml:"geocoding"`
	Notifications NotificationConfig `yaml:"notifications"`
	Prometheus    PrometheusConfig   `yaml:"prometheus"`
	Logging       LoggingConfig      `yaml:"logging"`
	Include       IncludeConfig      `yaml:"include"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// ExplorerConfig points at the page listing the edge hosts.
type ExplorerConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type MonitoringConfig struct {
	Interval         time.Duration `yaml:"interval"`
	AnomalyThreshold int           `yaml:"anomaly_threshold"`
	// NotifyOnBootstrap emits new_host events when the registry is empty.
	// By default the first snapshot is loaded silently.
	NotifyOnBootstrap   bool          `yaml:"notify_on_bootstrap"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`
}

type GeocodingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PartialConfig represents a partial configuration that can be merged
type PartialConfig struct {
	Server        *ServerConfig       `yaml:"server,omitempty"`
	Database      *DatabaseConfig     `yaml:"database,omitempty"`
	Explorer      *ExplorerConfig     `yaml:"explorer,omitempty"`
	Monitoring    *MonitoringConfig   `yaml:"monitoring,omitempty"`
	Geocoding     *GeocodingConfig    `yaml:"geocoding,omitempty"`
	Notifications *NotificationConfig `yaml:"notifications,omitempty"`
	Prometheus    *PrometheusConfig   `yaml:"prometheus,omitempty"`
	Logging       *LoggingConfig      `yaml:"logging,omitempty"`
}

// Default returns a configuration with every default applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func Load(filename string) (*Config, error) {
	// Load the main config file
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	// Process includes if enabled
	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory

	// Make include directory relative to main config file if not absolute
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	// Also check for .yml files if pattern is default
	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)
	return nil
}

// mergePartialConfig overrides only the sections present in the include.
func mergePartialConfig(config *Config, partial *PartialConfig) {
	if partial.Server != nil {
		mergeServerConfig(&config.Server, partial.Server)
	}
	if partial.Database != nil {
		mergeDatabaseConfig(&config.Database, partial.Database)
	}
	if partial.Explorer != nil {
		mergeExplorerConfig(&config.Explorer, partial.Explorer)
	}
	if partial.Monitoring != nil {
		mergeMonitoringConfig(&config.Monitoring, partial.Monitoring)
	}
	if partial.Geocoding != nil {
		mergeGeocodingConfig(&config.Geocoding, partial.Geocoding)
	}
	if partial.Notifications != nil {
		mergeNotificationConfig(&config.Notifications, partial.Notifications)
	}
	if partial.Prometheus != nil {
		mergePrometheusConfig(&config.Prometheus, partial.Prometheus)
	}
	if partial.Logging != nil {
		mergeLoggingConfig(&config.Logging, partial.Logging)
	}
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
	if partial.Port != "" {
		main.Port = partial.Port
	}
	if partial.ReadTimeout != 0 {
		main.ReadTimeout = partial.ReadTimeout
	}
	if partial.WriteTimeout != 0 {
		main.WriteTimeout = partial.WriteTimeout
	}
	if len(partial.AllowedOrigins) > 0 {
		main.AllowedOrigins = append(main.AllowedOrigins, partial.AllowedOrigins...)
	}
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
	if partial.Type != "" {
		main.Type = partial.Type
	}
	if partial.Path != "" {
		main.Path = partial.Path
	}
}

func mergeExplorerConfig(main *ExplorerConfig, partial *ExplorerConfig) {
	if partial.URL != "" {
		main.URL = partial.URL
	}
	if partial.Timeout != 0 {
		main.Timeout = partial.Timeout
	}
	if partial.UserAgent != "" {
		main.UserAgent = partial.UserAgent
	}
}

func mergeMonitoringConfig(main *MonitoringConfig, partial *MonitoringConfig) {
	if partial.Interval != 0 {
		main.Interval = partial.Interval
	}
	if partial.AnomalyThreshold != 0 {
		main.AnomalyThreshold = partial.AnomalyThreshold
	}
	if partial.CollaboratorTimeout != 0 {
		main.CollaboratorTimeout = partial.CollaboratorTimeout
	}
	main.NotifyOnBootstrap = partial.NotifyOnBootstrap
}

func mergeGeocodingConfig(main *GeocodingConfig, partial *GeocodingConfig) {
	main.Enabled = partial.Enabled
	if partial.URL != "" {
		main.URL = partial.URL
	}
	if partial.UserAgent != "" {
		main.UserAgent = partial.UserAgent
	}
	if partial.RequestsPerSecond != 0 {
		main.RequestsPerSecond = partial.RequestsPerSecond
	}
	if partial.Timeout != 0 {
		main.Timeout = partial.Timeout
	}
}

func mergePrometheusConfig(main *PrometheusConfig, partial *PrometheusConfig) {
	main.Enabled = partial.Enabled
	if partial.MetricsPath != "" {
		main.MetricsPath = partial.MetricsPath
	}
}

func mergeLoggingConfig(main *LoggingConfig, partial *LoggingConfig) {
	if partial.Level != "" {
		main.Level = partial.Level
	}
	if partial.Format != "" {
		main.Format = partial.Format
	}
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/hosts.db"
	}

	// Explorer defaults
	if cfg.Explorer.URL == "" {
		cfg.Explorer.URL = "https://explorer.edge.network/"
	}
	if cfg.Explorer.Timeout == 0 {
		cfg.Explorer.Timeout = 20 * time.Second
	}
	if cfg.Explorer.UserAgent == "" {
		cfg.Explorer.UserAgent = "edgewatch/1.0"
	}

	// Monitoring defaults
	if cfg.Monitoring.Interval == 0 {
		cfg.Monitoring.Interval = 60 * time.Second
	}
	if cfg.Monitoring.AnomalyThreshold == 0 {
		cfg.Monitoring.AnomalyThreshold = 5
	}
	if cfg.Monitoring.CollaboratorTimeout == 0 {
		cfg.Monitoring.CollaboratorTimeout = 30 * time.Second
	}

	// Geocoding defaults
	if cfg.Geocoding.URL == "" {
		cfg.Geocoding.URL = "https://nominatim.openstreetmap.org/search"
	}
	if cfg.Geocoding.UserAgent == "" {
		cfg.Geocoding.UserAgent = "edgenodelookup"
	}
	if cfg.Geocoding.RequestsPerSecond == 0 {
		cfg.Geocoding.RequestsPerSecond = 1
	}
	if cfg.Geocoding.Timeout == 0 {
		cfg.Geocoding.Timeout = 10 * time.Second
	}

	// Include defaults
	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	// Prometheus defaults
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	setNotificationDefaults(&cfg.Notifications)
}

func validate(cfg *Config) error {
	switch cfg.Database.Type {
	case "boltdb", "sqlite":
	default:
		return fmt.Errorf("database.type must be boltdb or sqlite, got %q", cfg.Database.Type)
	}

	if !isValidURL(cfg.Explorer.URL) {
		return fmt.Errorf("explorer.url must be a valid URL")
	}
	if cfg.Explorer.Timeout <= 0 {
		return fmt.Errorf("explorer.timeout must be positive")
	}

	if cfg.Monitoring.Interval < time.Second {
		return fmt.Errorf("monitoring.interval must be at least 1s")
	}
	if cfg.Monitoring.AnomalyThreshold < 1 {
		return fmt.Errorf("monitoring.anomaly_threshold must be at least 1")
	}
	// A fetch that outlives the interval would make every other tick a skip.
	if cfg.Explorer.Timeout >= cfg.Monitoring.Interval {
		return fmt.Errorf("explorer.timeout (%s) must be shorter than monitoring.interval (%s)",
			cfg.Explorer.Timeout, cfg.Monitoring.Interval)
	}

	if cfg.Geocoding.Enabled {
		if !isValidURL(cfg.Geocoding.URL) {
			return fmt.Errorf("geocoding.url must be a valid URL")
		}
		if cfg.Geocoding.RequestsPerSecond <= 0 {
			return fmt.Errorf("geocoding.requests_per_second must be positive")
		}
	}

	if err := cfg.Notifications.Validate(); err != nil {
		return err
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	// Validate include configuration
	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if cfg.Include.Pattern != "" && !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	return nil
}

// isValidURL checks if a string is an absolute http(s) URL
func isValidURL(str string) bool {
	u, err := url.Parse(str)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
