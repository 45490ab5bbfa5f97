package kafkatest

import (
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/backoff"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka/consumer"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka/producer"
)

// InitServiceName задаёт единый лейбл service для метрик backoff,
// producer'а и consumer'а.
func InitServiceName(name string) {
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	consumer.SetServiceLabel(name)
}
