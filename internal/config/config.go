package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Device  DeviceConfig  `yaml:"device"`
	Printer PrinterConfig `yaml:"printer"`
	Sync    SyncConfig    `yaml:"sync"`
	Backend BackendConfig `yaml:"backend"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type DeviceConfig struct {
	Address           string        `yaml:"address"`
	Name              string        `yaml:"name"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBaseWait time.Duration `yaml:"reconnect_base_wait"`
	ChunkSize         int           `yaml:"chunk_size"`
	InterChunkDelay   time.Duration `yaml:"inter_chunk_delay"`
}

type PrinterConfig struct {
	QueueCap    int `yaml:"queue_cap"`
	MaxAttempts int `yaml:"max_attempts"`
}

type SyncConfig struct {
	Kinds          []string      `yaml:"kinds"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
}

type BackendConfig struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path: "./data/possync.db",
		},
		Device: DeviceConfig{
			DialTimeout:       10 * time.Second,
			ReconnectAttempts: 3,
			ReconnectBaseWait: 1 * time.Second,
			ChunkSize:         512,
			InterChunkDelay:   30 * time.Millisecond,
		},
		Printer: PrinterConfig{
			QueueCap:    50,
			MaxAttempts: 5,
		},
		Sync: SyncConfig{
			Kinds:          []string{"bills", "kitchen_orders"},
			PollInterval:   30 * time.Second,
			NetworkTimeout: 10 * time.Second,
			DedupWindow:    15 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("POSSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("POSSYNC_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv("POSSYNC_PRINTER_ADDR"); v != "" {
		cfg.Device.Address = v
	}

	if v := os.Getenv("POSSYNC_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}

	if v := os.Getenv("POSSYNC_BACKEND_TOKEN"); v != "" {
		cfg.Backend.AccessToken = v
	}

	if v := os.Getenv("POSSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Device.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must be non-negative")
	}

	if c.Device.ReconnectBaseWait < 0 {
		return fmt.Errorf("reconnect base wait must be non-negative")
	}

	if c.Device.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1")
	}

	if c.Device.InterChunkDelay < 0 {
		return fmt.Errorf("inter-chunk delay must be non-negative")
	}

	if c.Printer.QueueCap < 1 {
		return fmt.Errorf("print queue cap must be at least 1")
	}

	if c.Printer.MaxAttempts < 1 {
		return fmt.Errorf("print max attempts must be at least 1")
	}

	if len(c.Sync.Kinds) == 0 {
		return fmt.Errorf("at least one sync record kind is required")
	}

	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Sync.NetworkTimeout <= 0 {
		return fmt.Errorf("network timeout must be positive")
	}

	if c.Sync.DedupWindow <= 0 {
		return fmt.Errorf("dedup window must be positive")
	}

	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base url is required")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
