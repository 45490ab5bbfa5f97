// Package kafkatest — тестовый харнесс для проверки Kafka-клиента на живом
// брокере: одноразовые имена, пачечная отправка с картой
// позиция → id, consumer для обратного чтения и проверки доставки.
//
// Типичный тест:
//
//	h := kafkatest.FromEnv(t)
//	topic := h.TopicName()
//	m := h.ProduceMessages(t, topic, 5, kafkatest.ValueFn, kafkatest.KeyFn)
//	c := h.NewConsumer(t, topic)
//	msgs, _ := c.Collect(ctx, len(m))
//	for _, msg := range msgs {
//		kafkatest.AssertDelivered(t, m, msg, kafkatest.ValueFn, kafkatest.KeyFn)
//	}
package kafkatest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/backoff"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/config"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka/consumer"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka/producer"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/logger"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/naming"
)

// ConfigPathEnv — необязательный путь к YAML-конфигу для FromEnv.
const ConfigPathEnv = "KAFKATEST_CONFIG"

var (
	// ValueFn даёт "Message N".
	ValueFn = kafka.Format("Message %d")
	// KeyFn даёт "Key N".
	KeyFn = kafka.Format("Key %d")
)

// BatchProducer — то, что харнессу нужно от producer.BatchProducer.
type BatchProducer interface {
	Produce(ctx context.Context, topic string, count int, valueFn, keyFn kafka.PayloadFunc, opts ...producer.Option) (kafka.Mapping, error)
	Ping(ctx context.Context) error
}

type consumerFactory func(ctx context.Context, cfg consumer.Config, log *logger.Logger) (*consumer.Consumer, error)

// Harness связывает конфиг, генератор имён, producer и consumer'ы.
type Harness struct {
	cfg   config.Config
	log   *logger.Logger
	names *naming.Generator

	prod         BatchProducer
	openConsumer consumerFactory
}

// New собирает харнесс; брокер не трогается.
func New(cfg config.Config, log *logger.Logger) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafkatest: %w", err)
	}
	InitServiceName(cfg.ServiceName)

	prod, err := producer.New(producer.Config{
		Brokers:            cfg.Kafka.Brokers,
		Version:            cfg.Kafka.Version,
		ClientID:           cfg.Kafka.ClientID,
		RequiredAcks:       cfg.Kafka.Acks,
		Compression:        cfg.Kafka.Compression,
		MessageTimeout:     cfg.Kafka.MessageTimeout,
		StatisticsInterval: cfg.Kafka.StatisticsInterval,
		Tracing:            cfg.Telemetry.Enabled,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("kafkatest: %w", err)
	}

	return &Harness{
		cfg: cfg,
		log: log.Named("kafkatest"),
		names: naming.NewGenerator(nil,
			naming.WithTopicPrefix(cfg.Naming.TopicPrefix),
			naming.WithGroupPrefix(cfg.Naming.GroupPrefix),
		),
		prod:         prod,
		openConsumer: consumer.New,
	}, nil
}

// FromEnv грузит конфиг из окружения (и файла из KAFKATEST_CONFIG, если
// задан) и собирает харнесс. Ошибка конфигурации валит тест.
func FromEnv(t testing.TB) *Harness {
	t.Helper()
	cfg, err := config.Load(os.Getenv(ConfigPathEnv))
	if err != nil {
		t.Fatalf("kafkatest: load config: %v", err)
		return nil
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		t.Fatalf("kafkatest: logger: %v", err)
		return nil
	}
	t.Cleanup(log.Sync)

	h, err := New(*cfg, log)
	if err != nil {
		t.Fatalf("%v", err)
		return nil
	}
	return h
}

// TopicName — свежее имя топика.
func (h *Harness) TopicName() string { return h.names.Topic() }

// GroupName — свежее имя consumer group.
func (h *Harness) GroupName() string { return h.names.Group() }

// WaitReady ждёт, пока брокер ответит на запрос метаданных.
func (h *Harness) WaitReady(ctx context.Context) error {
	return backoff.Execute(ctx, h.cfg.Ready, h.log, h.prod.Ping)
}

// Produce отправляет count сообщений и возвращает карту позиция → id.
func (h *Harness) Produce(
	ctx context.Context,
	topic string,
	count int,
	valueFn, keyFn kafka.PayloadFunc,
	opts ...producer.Option,
) (kafka.Mapping, error) {
	return h.prod.Produce(ctx, topic, count, valueFn, keyFn, opts...)
}

// ProduceMessages — Produce, валящий тест на любой ошибке: неполная
// карта для последующих проверок бесполезна.
func (h *Harness) ProduceMessages(
	t testing.TB,
	topic string,
	count int,
	valueFn, keyFn kafka.PayloadFunc,
	opts ...producer.Option,
) kafka.Mapping {
	t.Helper()
	m, err := h.Produce(context.Background(), topic, count, valueFn, keyFn, opts...)
	if err != nil {
		t.Fatalf("kafkatest: produce %d messages to %q: %v", count, topic, err)
		return nil
	}
	return m
}

// OpenConsumer подписывает новую consumer group со свежим именем на topic.
func (h *Harness) OpenConsumer(ctx context.Context, topic string) (*consumer.Consumer, error) {
	return h.openConsumer(ctx, consumer.Config{
		Brokers:        h.cfg.Kafka.Brokers,
		Topics:         []string{topic},
		GroupID:        h.GroupName(),
		Version:        h.cfg.Kafka.Version,
		ClientID:       h.cfg.Kafka.ClientID,
		SessionTimeout: h.cfg.Kafka.SessionTimeout,
	}, h.log)
}

// NewConsumer — OpenConsumer с закрытием в t.Cleanup.
func (h *Harness) NewConsumer(t testing.TB, topic string) *consumer.Consumer {
	t.Helper()
	c, err := h.OpenConsumer(context.Background(), topic)
	if err != nil {
		t.Fatalf("kafkatest: consumer for %q: %v", topic, err)
		return nil
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			h.log.Warn("consumer close", zap.Error(err))
		}
	})
	return c
}

// VerifyDelivered проверяет, что msg лежит в позиции из m и что его ключ,
// значение и заголовок id совпадают с тем, что было отправлено для этого id.
func VerifyDelivered(m kafka.Mapping, msg *kafka.Message, valueFn, keyFn kafka.PayloadFunc) (int32, error) {
	id, err := m.Verify(msg)
	if err != nil {
		return 0, err
	}
	pos := kafka.PositionOf(msg)

	if raw, ok := msg.Headers[producer.HeaderID]; ok {
		if string(raw) != strconv.FormatInt(int64(id), 10) {
			return id, fmt.Errorf("kafkatest: %s carries id header %q, expected %d", pos, raw, id)
		}
	}
	want, err := kafka.EncodeBytes(valueFn(id))
	if err != nil {
		return id, fmt.Errorf("kafkatest: encode value %d: %w", id, err)
	}
	if !bytes.Equal(msg.Value, want) {
		return id, fmt.Errorf("kafkatest: %s value %q, expected %q for id %d", pos, msg.Value, want, id)
	}
	if keyFn != nil {
		wantKey, err := kafka.EncodeBytes(keyFn(id))
		if err != nil {
			return id, fmt.Errorf("kafkatest: encode key %d: %w", id, err)
		}
		if !bytes.Equal(msg.Key, wantKey) {
			return id, fmt.Errorf("kafkatest: %s key %q, expected %q for id %d", pos, msg.Key, wantKey, id)
		}
	}
	return id, nil
}

// AssertDelivered — VerifyDelivered, валящий тест при расхождении.
func AssertDelivered(t testing.TB, m kafka.Mapping, msg *kafka.Message, valueFn, keyFn kafka.PayloadFunc) int32 {
	t.Helper()
	id, err := VerifyDelivered(m, msg, valueFn, keyFn)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return id
}
