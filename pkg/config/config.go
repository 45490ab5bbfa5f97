// pkg/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/backoff"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/logger"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/telemetry"
)

// EnvPrefix — префикс переменных окружения: KAFKATEST_KAFKA_BROKERS и т.д.
const EnvPrefix = "KAFKATEST"

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки харнесса.
type Config struct {
	ServiceName string           `mapstructure:"service_name"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Naming      NamingConfig     `mapstructure:"naming"`
	Ready       backoff.Config   `mapstructure:"ready"`
	Logging     logger.Config    `mapstructure:"logging"`
	Telemetry   telemetry.Config `mapstructure:"telemetry"`
}

// KafkaConfig — общие настройки producer'а и consumer'а.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Version  string   `mapstructure:"version"`
	ClientID string   `mapstructure:"client_id"`

	// producer
	Acks               string        `mapstructure:"acks"`
	Compression        string        `mapstructure:"compression"`
	MessageTimeout     time.Duration `mapstructure:"message_timeout"`
	StatisticsInterval time.Duration `mapstructure:"statistics_interval"`

	// consumer
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

// NamingConfig — префиксы одноразовых имён.
type NamingConfig struct {
	TopicPrefix string `mapstructure:"topic_prefix"`
	GroupPrefix string `mapstructure:"group_prefix"`
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// Load читает defaults → ENV → файл (если path не пуст) и валидирует.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  &cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToBoolHook,
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "kafkatest")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.version", "2.8.0")
	v.SetDefault("kafka.client_id", "kafkatest")
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.message_timeout", "5s")
	v.SetDefault("kafka.statistics_interval", "200ms")
	v.SetDefault("kafka.session_timeout", "6s")

	v.SetDefault("naming.topic_prefix", "__test_")
	v.SetDefault("naming.group_prefix", "__test_")

	v.SetDefault("ready.initial_interval", "250ms")
	v.SetDefault("ready.max_interval", "2s")
	v.SetDefault("ready.max_elapsed_time", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_version", "dev")
}

func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	for _, b := range c.Kafka.Brokers {
		if !strings.Contains(b, ":") {
			return fmt.Errorf("kafka.brokers: %q is not host:port", b)
		}
	}
	switch strings.ToLower(c.Kafka.Acks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("kafka.acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(c.Kafka.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}
	if c.Kafka.MessageTimeout <= 0 {
		return fmt.Errorf("kafka.message_timeout must be > 0")
	}
	if c.Kafka.StatisticsInterval < 0 {
		return fmt.Errorf("kafka.statistics_interval must be >= 0")
	}
	if c.Kafka.SessionTimeout <= 0 {
		return fmt.Errorf("kafka.session_timeout must be > 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

// Print выводит конфиг в JSON (удобно в DevMode).
func (c *Config) Print() {
	b, _ := json.MarshalIndent(c, "", "  ")
	fmt.Println("Loaded configuration:\n", string(b))
}
