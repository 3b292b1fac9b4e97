package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`
	Redis       RedisConfig       `json:"redis"`
	Kubernetes  KubernetesConfig  `json:"kubernetes"`
	Remediation RemediationConfig `json:"remediation"`
	Tracker     TrackerConfig     `json:"tracker"`
	Notify      NotifyConfig      `json:"notify"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
	// AdminToken protects the admin API when set.
	AdminToken string `json:"adminToken"`
}

type DatabaseConfig struct {
	// Enabled controls whether the Postgres audit archive is opened at all.
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	// File enables rotated file output in addition to stderr.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type KubernetesConfig struct {
	// Kubeconfig is used only outside a cluster; empty means ~/.kube/config.
	Kubeconfig string `json:"kubeconfig"`
}

type RemediationConfig struct {
	PlaybooksFile     string `json:"playbooksFile"`
	WatchPlaybooks    bool   `json:"watchPlaybooks"`
	Policy            string `json:"policy"` // sequential | concurrent
	MaxInFlight       int    `json:"maxInFlight"`
	PollInterval      string `json:"pollInterval"` // e.g. "2s"
	LogTailLines      int    `json:"logTailLines"`
	QueueKey          string `json:"queueKey"`
	ObservationPeriod string `json:"observationPeriod"` // "0" disables
}

type TrackerConfig struct {
	Capacity   int    `json:"capacity"`
	MaxAge     string `json:"maxAge"`
	Archive    string `json:"archive"` // none | redis | pg | both
	ArchiveTTL string `json:"archiveTTL"`
}

type NotifyConfig struct {
	Type    string `json:"type"` // log | slack | teams | http
	URL     string `json:"url"`
	Timeout string `json:"timeout"`
}

// Load reads .env (if present) and the environment, then overlays the JSON
// file at path when one is given.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:   getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			AdminToken: getEnv("SERVER_ADMIN_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "remediator"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 28),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kubernetes: KubernetesConfig{
			Kubeconfig: getEnv("KUBECONFIG", ""),
		},
		Remediation: RemediationConfig{
			PlaybooksFile:     getEnv("PLAYBOOKS_FILE", "playbooks.yaml"),
			WatchPlaybooks:    getEnvBool("PLAYBOOKS_WATCH", true),
			Policy:            getEnv("REMEDIATION_POLICY", "sequential"),
			MaxInFlight:       getEnvInt("REMEDIATION_MAX_IN_FLIGHT", 64),
			PollInterval:      getEnv("REMEDIATION_POLL_INTERVAL", "2s"),
			LogTailLines:      getEnvInt("REMEDIATION_LOG_TAIL_LINES", 50),
			QueueKey:          getEnv("REMEDIATION_QUEUE_KEY", "remediator:alerts"),
			ObservationPeriod: getEnv("REMEDIATION_OBSERVATION_PERIOD", "0"),
		},
		Tracker: TrackerConfig{
			Capacity:   getEnvInt("TRACKER_CAPACITY", 1000),
			MaxAge:     getEnv("TRACKER_MAX_AGE", "24h"),
			Archive:    getEnv("TRACKER_ARCHIVE", "none"),
			ArchiveTTL: getEnv("TRACKER_ARCHIVE_TTL", "168h"),
		},
		Notify: NotifyConfig{
			Type:    getEnv("NOTIFY_TYPE", "log"),
			URL:     getEnv("NOTIFY_URL", ""),
			Timeout: getEnv("NOTIFY_TIMEOUT", "10s"),
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			log.Err(err).Msg("failed to load config file")
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Remediation.Policy == "" {
		cfg.Remediation.Policy = "sequential"
	}
	if cfg.Remediation.MaxInFlight <= 0 {
		cfg.Remediation.MaxInFlight = 64
	}
	if cfg.Remediation.QueueKey == "" {
		cfg.Remediation.QueueKey = "remediator:alerts"
	}
	if cfg.Tracker.Archive == "" {
		cfg.Tracker.Archive = "none"
	}
	if cfg.Notify.Type == "" {
		cfg.Notify.Type = "log"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Remediation.Policy {
	case "sequential", "concurrent":
	default:
		return fmt.Errorf("remediation.policy: unknown policy %q", c.Remediation.Policy)
	}
	switch c.Tracker.Archive {
	case "none", "redis", "pg", "both":
	default:
		return fmt.Errorf("tracker.archive: unknown archive %q", c.Tracker.Archive)
	}
	if (c.Tracker.Archive == "pg" || c.Tracker.Archive == "both") && !c.Database.Enabled {
		return fmt.Errorf("tracker.archive %q requires database.enabled", c.Tracker.Archive)
	}
	switch c.Notify.Type {
	case "log":
	case "slack", "teams", "http":
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for %s notifications", c.Notify.Type)
		}
	default:
		return fmt.Errorf("notify.type: unknown type %q", c.Notify.Type)
	}
	for field, v := range map[string]string{
		"remediation.pollInterval":      c.Remediation.PollInterval,
		"remediation.observationPeriod": c.Remediation.ObservationPeriod,
		"tracker.maxAge":                c.Tracker.MaxAge,
		"tracker.archiveTTL":            c.Tracker.ArchiveTTL,
		"notify.timeout":                c.Notify.Timeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// Duration parses s and falls back to d when s is empty or invalid.
func Duration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
