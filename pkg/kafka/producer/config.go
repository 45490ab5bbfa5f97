// pkg/kafka/producer/config.go
package producer

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// Config groups all tunables of the batch producer.
//
// Zero values are replaced with defaults by applyDefaults().
type Config struct {
	// Brokers — bootstrap-адреса "host:port".
	Brokers []string `mapstructure:"brokers"`

	// Version — версия протокола Kafka, например "2.8.0".
	Version string `mapstructure:"version"`

	ClientID string `mapstructure:"client_id"`

	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string `mapstructure:"acks"`

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// MessageTimeout — сколько ждать подтверждения одного сообщения с момента
	// отправки. Истечение даёт DeliveryError с ErrDeliveryTimeout.
	MessageTimeout time.Duration `mapstructure:"message_timeout"`

	// StatisticsInterval — период логирования прогресса батча. 0 → выкл.
	StatisticsInterval time.Duration `mapstructure:"statistics_interval"`

	// Tracing оборачивает producer в otelsarama.
	Tracing bool `mapstructure:"tracing"`
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "kafkatest"
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.StatisticsInterval < 0 {
		c.StatisticsInterval = 0
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("kafka producer: empty broker address")
		}
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: invalid Version %q: %w", c.Version, err)
	}
	sc.Version = version

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}

	// отчёты о доставке обязательны: без них нечего сопоставлять
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.MessageTimeout

	// idempotence требует acks=all и одного запроса в полёте на брокер
	if sc.Producer.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	return sc, nil
}
