package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModePoll = "poll"
	ModeBot  = "bot"
	ModeBoth = "both"
)

// DefaultEndpoints are the sensors exposed by the esptemppres node.
var DefaultEndpoints = []string{
	"bmp280_pres",
	"bmp280_temp",
	"dallas_temp_1",
	"dallas_temp_2",
	"dht_temp",
	"dht_hum",
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
	Debug  bool   `mapstructure:"debug"`
	// long polling timeout for the interactive responder
	UpdatesTimeout int `mapstructure:"updates_timeout"`
}

type SensorsConfig struct {
	BaseURL        string   `mapstructure:"base_url"`
	Endpoints      []string `mapstructure:"endpoints"`
	IDPrefix       string   `mapstructure:"id_prefix"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

type PollConfig struct {
	Mode            string `mapstructure:"mode"` // poll, bot or both
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    string `mapstructure:"port"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ProbeConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Privileged     bool `mapstructure:"privileged"`
	Count          int  `mapstructure:"count"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Sensors  SensorsConfig  `mapstructure:"sensors"`
	Poll     PollConfig     `mapstructure:"poll"`
	Health   HealthConfig   `mapstructure:"health"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// parsed from Telegram.ChatID
	OwnerID int64 `mapstructure:"-"`
}

// ConfigError reports missing or invalid startup configuration. It is fatal.
type ConfigError struct {
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return "missing environment variables: " + strings.Join(e.Missing, ", ")
	}
	return "invalid config: " + e.Reason
}

// Interval is the pause between two poll cycles.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// SensorTimeout bounds a single sensor request.
func (c *Config) SensorTimeout() time.Duration {
	return time.Duration(c.Sensors.TimeoutSeconds) * time.Second
}

// SensorHost is the host part of the sensor base URL.
func (c *Config) SensorHost() string {
	u, err := url.Parse(c.Sensors.BaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// LoadConfig reads an optional YAML file at path, then .env and the process
// environment. TELEGRAM_TOKEN and TELEGRAM_CHAT_ID are required.
func LoadConfig(path string) (*Config, error) {
	// a missing .env is fine, the variables may come from the real environment
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	// env overrides: ESPHOMEBOT_POLL_INTERVAL_SECONDS etc.
	v.SetEnvPrefix("esphomebot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.token", "TELEGRAM_TOKEN")
	_ = v.BindEnv("telegram.chat_id", "TELEGRAM_CHAT_ID")

	// Defaults
	v.SetDefault("telegram.debug", false)
	v.SetDefault("telegram.updates_timeout", 60)
	v.SetDefault("sensors.base_url", "http://esptemppres.local/sensor/")
	v.SetDefault("sensors.endpoints", DefaultEndpoints)
	v.SetDefault("sensors.id_prefix", "sensor-")
	v.SetDefault("sensors.timeout_seconds", 10)
	v.SetDefault("poll.mode", ModePoll)
	v.SetDefault("poll.interval_seconds", 600)
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.port", "8085")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "esphome.readings")
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.privileged", false)
	v.SetDefault("probe.count", 3)
	v.SetDefault("probe.timeout_seconds", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Telegram.Token == "" {
		missing = append(missing, "TELEGRAM_TOKEN")
	}
	if c.Telegram.ChatID == "" {
		missing = append(missing, "TELEGRAM_CHAT_ID")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}

	id, err := strconv.ParseInt(strings.TrimSpace(c.Telegram.ChatID), 10, 64)
	if err != nil {
		return &ConfigError{Reason: fmt.Sprintf("TELEGRAM_CHAT_ID %q is not an integer", c.Telegram.ChatID)}
	}
	c.OwnerID = id

	if len(c.Sensors.Endpoints) == 0 {
		return &ConfigError{Reason: "sensors.endpoints is empty"}
	}
	if _, err := url.ParseRequestURI(c.Sensors.BaseURL); err != nil {
		return &ConfigError{Reason: fmt.Sprintf("sensors.base_url: %v", err)}
	}

	switch c.Poll.Mode {
	case ModePoll, ModeBot, ModeBoth:
	default:
		return &ConfigError{Reason: fmt.Sprintf("poll.mode %q: want poll, bot or both", c.Poll.Mode)}
	}

	// quick sanity checks
	if c.Poll.IntervalSeconds < 1 {
		c.Poll.IntervalSeconds = 600
	}
	if c.Sensors.TimeoutSeconds <= 0 {
		c.Sensors.TimeoutSeconds = 10
	}
	if c.Probe.Count <= 0 {
		c.Probe.Count = 3
	}
	return nil
}
