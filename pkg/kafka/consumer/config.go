// pkg/kafka/consumer/config.go
package consumer

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Config содержит параметры consumer group, читающей тестовый топик.
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// Topics — подписка; обычно один свежий тестовый топик.
	Topics []string `mapstructure:"topics"`

	// GroupID — пусто → сгенерировать одноразовое имя.
	GroupID string `mapstructure:"group_id"`

	Version  string `mapstructure:"version"`
	ClientID string `mapstructure:"client_id"`

	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "kafkatest"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 6 * time.Second
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka consumer: brokers required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("kafka consumer: at least one topic required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka consumer: GroupID required")
	}
	return nil
}

// buildSaramaConfig: ручной commit, чтение с самого раннего offset'а.
// Сигнала конца партиции в sarama нет, отключать нечего.
func buildSaramaConfig(c Config) (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: invalid Version %q: %w", c.Version, err)
	}
	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = c.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Session.Timeout = c.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.SessionTimeout / 3

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return sc, nil
}
