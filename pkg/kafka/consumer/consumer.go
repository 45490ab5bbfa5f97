// pkg/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/logger"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/naming"
)

// ErrStop возвращается handler'ом, чтобы штатно завершить Consume.
// Сообщение, на котором вернули ErrStop, коммитится.
var ErrStop = errors.New("kafka consumer: stop")

// errSurplus завершает Consume, как ErrStop, но сообщение не коммитится:
// его никто не получил, и следующее чтение группой должно его увидеть.
var errSurplus = fmt.Errorf("%w: surplus message", ErrStop)

// -----------------------------------------------------------------------------
// Service label & metrics
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт лейбл service для метрик consumer'а.
func SetServiceLabel(name string) { serviceLabel = name }

var consumerMetrics = struct {
	ConnectErrors *prometheus.CounterVec
	Consumed      *prometheus.CounterVec
	ConsumeErrors *prometheus.CounterVec
}{
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "consumer", Name: "connect_errors_total",
			Help: "Consumer group construction failures",
		},
		[]string{"service"},
	),
	Consumed: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "consumer", Name: "messages_total",
			Help: "Messages handed to handlers and committed",
		},
		[]string{"service"},
	),
	ConsumeErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "consumer", Name: "session_errors_total",
			Help: "Errors ending a consumer group session",
		},
		[]string{"service"},
	),
}

var tracer = otel.Tracer("kafkatest-consumer")

// -----------------------------------------------------------------------------
// Consumer
// -----------------------------------------------------------------------------

type groupFactory func(addrs []string, groupID string, conf *sarama.Config) (sarama.ConsumerGroup, error)

// Consumer — подписанная consumer group над тестовыми топиками.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	groupID string
	log     *logger.Logger

	drained chan struct{}
}

// New создаёт consumer group и подписывает её на cfg.Topics. Пустой
// GroupID заменяется одноразовым именем.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Consumer, error) {
	return newConsumer(ctx, cfg, log, sarama.NewConsumerGroup)
}

func newConsumer(ctx context.Context, cfg Config, log *logger.Logger, factory groupFactory) (*Consumer, error) {
	cfg.applyDefaults()
	if cfg.GroupID == "" {
		cfg.GroupID = naming.GroupName()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer")

	_, span := tracer.Start(ctx, "Connect", trace.WithAttributes(
		attribute.StringSlice("brokers", cfg.Brokers),
		attribute.String("group", cfg.GroupID),
	))
	group, err := factory(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("kafka consumer: connect: %w", err)
	}
	span.End()

	c := &Consumer{
		group:   group,
		topics:  cfg.Topics,
		groupID: cfg.GroupID,
		log:     log,
		drained: make(chan struct{}),
	}
	go c.drainErrors()

	log.Info("kafka consumer subscribed",
		zap.Strings("topics", cfg.Topics),
		zap.String("group", cfg.GroupID),
	)
	return c, nil
}

// GroupID — имя consumer group.
func (c *Consumer) GroupID() string { return c.groupID }

// Topics — подписка.
func (c *Consumer) Topics() []string { return c.topics }

func (c *Consumer) drainErrors() {
	defer close(c.drained)
	for err := range c.group.Errors() {
		consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
		c.log.Warn("consumer group error", zap.Error(err))
	}
}

// Consume читает подписанные топики, пока ctx жив. Каждое сообщение
// после успешного handler'а помечается и коммитится вручную. Ошибка
// handler'а завершает Consume с этой ошибкой; ErrStop — без ошибки.
func (c *Consumer) Consume(ctx context.Context, handler func(msg *kafka.Message) error) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	h := &groupHandler{handler: handler, log: c.log, stop: cancel}
	for {
		ctxSess, span := tracer.Start(ctx, "ConsumeSession",
			trace.WithAttributes(attribute.StringSlice("topics", c.topics)))
		err := c.group.Consume(ctxSess, c.topics, h)
		span.End()

		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			if errors.Is(cause, ErrStop) {
				return nil
			}
			return cause
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel).Inc()
			c.log.Warn("consume session error", zap.Error(err))

			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
			}
		}
	}
}

// Collect читает, пока не наберётся n сообщений или не истечёт ctx.
// При ошибке возвращает то, что успел прочитать.
func (c *Consumer) Collect(ctx context.Context, n int) ([]*kafka.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	col := newCollector(n)
	err := c.Consume(ctx, col.handle)

	out := col.messages()
	if err != nil {
		return out, fmt.Errorf("kafka consumer: collected %d of %d: %w", len(out), n, err)
	}
	return out, nil
}

// collector копит сообщения до n. Claim'ы разных партиций вызывают
// handle параллельно.
type collector struct {
	mu  sync.Mutex
	n   int
	out []*kafka.Message
}

func newCollector(n int) *collector {
	return &collector{n: n, out: make([]*kafka.Message, 0, n)}
}

func (c *collector) handle(m *kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.out) >= c.n {
		// уже набрали: не возвращаем и не коммитим
		return errSurplus
	}
	c.out = append(c.out, m)
	if len(c.out) == c.n {
		return ErrStop
	}
	return nil
}

func (c *collector) messages() []*kafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out
}

// Close закрывает consumer group.
func (c *Consumer) Close() error {
	err := c.group.Close()
	<-c.drained
	if err != nil {
		c.log.Error("consumer close failed", zap.Error(err))
		return err
	}
	c.log.Info("kafka consumer closed", zap.String("group", c.groupID))
	return nil
}

// -----------------------------------------------------------------------------
// sarama.ConsumerGroupHandler
// -----------------------------------------------------------------------------

type groupHandler struct {
	handler func(msg *kafka.Message) error
	log     *logger.Logger
	stop    context.CancelCauseFunc
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			err := h.handler(toMessage(m))
			// ErrStop значит "обработано, больше не надо"
			if err == nil || (errors.Is(err, ErrStop) && !errors.Is(err, errSurplus)) {
				sess.MarkMessage(m, "")
				sess.Commit()
				consumerMetrics.Consumed.WithLabelValues(serviceLabel).Inc()
			}
			if err != nil {
				if !errors.Is(err, ErrStop) {
					h.log.Error("handler error",
						zap.String("topic", m.Topic),
						zap.Int32("partition", m.Partition),
						zap.Int64("offset", m.Offset),
						zap.Error(err),
					)
				}
				h.stop(err)
				return nil
			}

		case <-sess.Context().Done():
			return nil
		}
	}
}

func toMessage(m *sarama.ConsumerMessage) *kafka.Message {
	headers := make(map[string][]byte, len(m.Headers))
	for _, hdr := range m.Headers {
		if hdr != nil && hdr.Key != nil {
			headers[string(hdr.Key)] = hdr.Value
		}
	}
	return &kafka.Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Headers:   headers,
	}
}
