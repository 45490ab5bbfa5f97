// pkg/kafka/producer/producer.go
package producer

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/logger"
)

// HeaderID — заголовок, в котором едет логический id сообщения.
const HeaderID = "kafkatest-id"

// -----------------------------------------------------------------------------
// Service label (заполняется через kafkatest.InitServiceName)
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel задаёт лейбл service для метрик producer'а.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus-метрики
// -----------------------------------------------------------------------------

var producerMetrics = struct {
	ConnectErrors  *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	BatchErrors    *prometheus.CounterVec
	Delivered      *prometheus.CounterVec
	DeliveryErrors *prometheus.CounterVec
	Collisions     *prometheus.CounterVec
	BatchLatency   *prometheus.HistogramVec
}{
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "connect_errors_total",
			Help: "Async producer construction failures",
		},
		[]string{"service"},
	),
	Batches: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "batches_total",
			Help: "Produced batches",
		},
		[]string{"service"},
	),
	BatchErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "batch_errors_total",
			Help: "Batches aborted by an error",
		},
		[]string{"service"},
	),
	Delivered: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "delivered_total",
			Help: "Messages confirmed by the broker",
		},
		[]string{"service"},
	),
	DeliveryErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "delivery_errors_total",
			Help: "Messages reported as failed by the client",
		},
		[]string{"service"},
	),
	Collisions: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "position_collisions_total",
			Help: "Two messages acknowledged at one (partition, offset)",
		},
		[]string{"service"},
	),
	BatchLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kafkatest", Subsystem: "producer", Name: "batch_latency_seconds",
			Help:    "Time from first send to last delivery report",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
}

var tracer = otel.Tracer("kafkatest-producer")

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type batchOptions struct {
	partition *int32
	configure []func(*sarama.Config)
	progress  func(Progress)
}

// Option настраивает один вызов Produce.
type Option func(*batchOptions)

// WithPartition отправляет все сообщения батча в партицию p.
// Без опции партицию выбирает hash-partitioner по ключу.
func WithPartition(p int32) Option {
	return func(o *batchOptions) { o.partition = &p }
}

// WithConfig правит sarama.Config клиента этого вызова после того, как
// применены настройки из Config. Return.Successes и Return.Errors
// нельзя выключать: без них батч не дождётся отчётов.
func WithConfig(fn func(*sarama.Config)) Option {
	return func(o *batchOptions) { o.configure = append(o.configure, fn) }
}

// Progress — счётчики батча на момент вызова.
type Progress struct {
	Submitted int64
	Delivered int64
	Failed    int64
}

// InFlight — отправлено, но отчёта ещё нет.
func (p Progress) InFlight() int64 { return p.Submitted - p.Delivered - p.Failed }

// WithProgress вызывает fn на каждом тике StatisticsInterval и один раз
// после того, как разобраны все отчёты. fn вызывается из горутины
// collector'а и не должна блокироваться.
func WithProgress(fn func(Progress)) Option {
	return func(o *batchOptions) { o.progress = fn }
}

// -----------------------------------------------------------------------------
// BatchProducer
// -----------------------------------------------------------------------------

type asyncFactory func(addrs []string, conf *sarama.Config) (sarama.AsyncProducer, error)

// BatchProducer отправляет пачки сообщений и сопоставляет каждую
// подтверждённую позицию с логическим id сообщения.
//
// Клиент создаётся на каждый вызов Produce и закрывается до возврата,
// поэтому BatchProducer можно разделять между тестами.
type BatchProducer struct {
	cfg      Config
	log      *logger.Logger
	newAsync asyncFactory
}

// New проверяет конфиг; соединение с брокером не открывается.
func New(cfg Config, log *logger.Logger) (*BatchProducer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := buildSaramaConfig(cfg); err != nil {
		return nil, err
	}
	return &BatchProducer{
		cfg:      cfg,
		log:      log.Named("kafka-producer"),
		newAsync: sarama.NewAsyncProducer,
	}, nil
}

// outcome — результат доставки одного сообщения.
type outcome struct {
	pos kafka.Position
	err error
}

// Produce отправляет count сообщений с ключом keyFn(id) и значением
// valueFn(id) для id из [0, count) и ждёт отчёт о доставке каждого.
//
// Все сообщения уходят в producer до начала ожидания. Отчёты приходят в
// произвольном порядке; соответствие строится только по позиции, которую
// вернул брокер. Любая ошибка отправки или доставки, а также совпадение
// позиций, прерывают батч: возвращается ошибка и nil вместо mapping.
// keyFn может быть nil — тогда сообщения идут без ключа.
func (b *BatchProducer) Produce(
	ctx context.Context,
	topic string,
	count int,
	valueFn, keyFn kafka.PayloadFunc,
	opts ...Option,
) (kafka.Mapping, error) {
	var o batchOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case topic == "":
		return nil, fmt.Errorf("kafka producer: topic required")
	case count < 0:
		return nil, fmt.Errorf("kafka producer: negative count %d", count)
	case valueFn == nil:
		return nil, fmt.Errorf("kafka producer: valueFn required")
	case o.partition != nil && *o.partition < 0:
		return nil, fmt.Errorf("kafka producer: invalid partition %d", *o.partition)
	}
	if count == 0 {
		return kafka.Mapping{}, nil
	}

	ctx, span := tracer.Start(ctx, "ProduceBatch", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("count", count),
	))
	defer span.End()

	log := b.log.WithContext(logger.ContextWithRunID(ctx, topic))
	producerMetrics.Batches.WithLabelValues(serviceLabel).Inc()

	mapping, err := b.produce(ctx, log, topic, count, valueFn, keyFn, o)
	if err != nil {
		producerMetrics.BatchErrors.WithLabelValues(serviceLabel).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("batch aborted", zap.String("topic", topic), zap.Int("count", count), zap.Error(err))
		return nil, err
	}
	return mapping, nil
}

func (b *BatchProducer) produce(
	ctx context.Context,
	log *logger.Logger,
	topic string,
	count int,
	valueFn, keyFn kafka.PayloadFunc,
	o batchOptions,
) (kafka.Mapping, error) {
	sc, err := buildSaramaConfig(b.cfg)
	if err != nil {
		return nil, err
	}
	if o.partition != nil {
		sc.Producer.Partitioner = sarama.NewManualPartitioner
	}
	for _, fn := range o.configure {
		fn(sc)
	}
	if !sc.Producer.Return.Successes || !sc.Producer.Return.Errors {
		return nil, fmt.Errorf("kafka producer: delivery reports must stay enabled")
	}

	ap, err := b.newAsync(b.cfg.Brokers, sc)
	if err != nil {
		producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
		return nil, fmt.Errorf("kafka producer: new async producer: %w", err)
	}
	if b.cfg.Tracing {
		ap = otelsarama.WrapAsyncProducer(sc, ap)
	}

	// Один буферизованный канал на сообщение: collector кладёт в него
	// отчёт и никогда не блокируется, даже если ожидание уже прервано.
	pending := make([]chan outcome, count)
	for i := range pending {
		pending[i] = make(chan outcome, 1)
	}
	sentAt := make([]time.Time, count)

	st := &batchStats{}
	var g errgroup.Group
	g.Go(func() error { return b.collect(ap, pending, st, o.progress, log) })

	start := time.Now()
	mapping, err := b.dispatchAndAwait(ctx, ap, topic, count, valueFn, keyFn, o, pending, sentAt, st)

	ap.AsyncClose()
	if cerr := g.Wait(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	producerMetrics.BatchLatency.WithLabelValues(serviceLabel).Observe(latency.Seconds())
	log.Info("batch delivered",
		zap.String("topic", topic),
		zap.Int("count", count),
		zap.Duration("latency", latency),
	)
	return mapping, nil
}

func (b *BatchProducer) dispatchAndAwait(
	ctx context.Context,
	ap sarama.AsyncProducer,
	topic string,
	count int,
	valueFn, keyFn kafka.PayloadFunc,
	o batchOptions,
	pending []chan outcome,
	sentAt []time.Time,
	st *batchStats,
) (kafka.Mapping, error) {
	// Фаза 1: отправить всё, ничего не дожидаясь.
	for i := 0; i < count; i++ {
		id := int32(i)
		msg, err := buildMessage(topic, id, valueFn, keyFn, o.partition)
		if err != nil {
			return nil, &DeliveryError{ID: id, Topic: topic, Op: OpSend, Err: err}
		}
		select {
		case ap.Input() <- msg:
			sentAt[i] = time.Now()
			st.submitted.Add(1)
		case <-ctx.Done():
			return nil, &DeliveryError{ID: id, Topic: topic, Op: OpSend, Err: ctx.Err()}
		}
	}

	// Фаза 2: дождаться отчётов в порядке отправки.
	mapping := make(kafka.Mapping, count)
	for i := 0; i < count; i++ {
		id := int32(i)
		res, err := b.await(ctx, pending[i], sentAt[i])
		if err == nil {
			err = res.err
		}
		if err != nil {
			return nil, &DeliveryError{ID: id, Topic: topic, Op: OpDeliver, Err: err}
		}
		if prev, dup := mapping[res.pos]; dup {
			producerMetrics.Collisions.WithLabelValues(serviceLabel).Inc()
			return nil, &CollisionError{Topic: topic, Position: res.pos, First: prev, Second: id}
		}
		mapping[res.pos] = id
	}
	return mapping, nil
}

// await ждёт отчёт не дольше MessageTimeout с момента отправки.
func (b *BatchProducer) await(ctx context.Context, ch <-chan outcome, sentAt time.Time) (outcome, error) {
	timer := time.NewTimer(time.Until(sentAt.Add(b.cfg.MessageTimeout)))
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return outcome{}, ErrDeliveryTimeout
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

func buildMessage(topic string, id int32, valueFn, keyFn kafka.PayloadFunc, partition *int32) (*sarama.ProducerMessage, error) {
	value, err := kafka.EncodeBytes(valueFn(id))
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:    topic,
		Value:    sarama.ByteEncoder(value),
		Metadata: id,
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderID), Value: []byte(strconv.FormatInt(int64(id), 10))},
		},
	}
	if keyFn != nil {
		key, err := kafka.EncodeBytes(keyFn(id))
		if err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}
		if key != nil {
			msg.Key = sarama.ByteEncoder(key)
		}
	}
	if partition != nil {
		msg.Partition = *partition
	}
	return msg, nil
}

// -----------------------------------------------------------------------------
// Collector
// -----------------------------------------------------------------------------

type batchStats struct {
	submitted atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func (st *batchStats) snapshot() Progress {
	return Progress{
		Submitted: st.submitted.Load(),
		Delivered: st.delivered.Load(),
		Failed:    st.failed.Load(),
	}
}

// messageID достаёт логический id из заголовка HeaderID. Metadata —
// запасной вариант: otelsarama подменяет её на время отправки и не
// всегда возвращает исходное значение.
func messageID(msg *sarama.ProducerMessage) (int32, bool) {
	for _, h := range msg.Headers {
		if string(h.Key) != HeaderID {
			continue
		}
		id, err := strconv.ParseInt(string(h.Value), 10, 32)
		if err != nil {
			return 0, false
		}
		return int32(id), true
	}
	id, ok := msg.Metadata.(int32)
	return id, ok
}

// collect разбирает Successes/Errors до их закрытия (после AsyncClose)
// и раскладывает отчёты по каналам ожидания.
func (b *BatchProducer) collect(
	ap sarama.AsyncProducer,
	pending []chan outcome,
	st *batchStats,
	progress func(Progress),
	log *logger.Logger,
) error {
	var tick <-chan time.Time
	if b.cfg.StatisticsInterval > 0 {
		t := time.NewTicker(b.cfg.StatisticsInterval)
		defer t.Stop()
		tick = t.C
	}

	var stray error
	resolve := func(msg *sarama.ProducerMessage, res outcome) {
		id, ok := messageID(msg)
		if !ok || id < 0 || int(id) >= len(pending) {
			if stray == nil {
				stray = fmt.Errorf("kafka producer: delivery report for unknown message %v", msg.Metadata)
			}
			return
		}
		select {
		case pending[id] <- res:
		default:
			log.Error("second delivery report for one message", zap.Int32("id", id))
		}
	}

	successes, errs := ap.Successes(), ap.Errors()
	for successes != nil || errs != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			st.delivered.Add(1)
			producerMetrics.Delivered.WithLabelValues(serviceLabel).Inc()
			resolve(msg, outcome{pos: kafka.Position{Partition: msg.Partition, Offset: msg.Offset}})

		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			st.failed.Add(1)
			producerMetrics.DeliveryErrors.WithLabelValues(serviceLabel).Inc()
			resolve(perr.Msg, outcome{err: perr.Err})

		case <-tick:
			p := st.snapshot()
			log.Debug("batch progress",
				zap.Int64("submitted", p.Submitted),
				zap.Int64("delivered", p.Delivered),
				zap.Int64("failed", p.Failed),
				zap.Int64("in_flight", p.InFlight()),
			)
			if progress != nil {
				progress(p)
			}
		}
	}
	if progress != nil {
		progress(st.snapshot())
	}
	return stray
}

// -----------------------------------------------------------------------------
// Ping
// -----------------------------------------------------------------------------

// Ping обновляет метаданные кластера, проверяя доступность брокеров.
func (b *BatchProducer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping", trace.WithAttributes(attribute.StringSlice("brokers", b.cfg.Brokers)))
	defer span.End()

	sc, err := buildSaramaConfig(b.cfg)
	if err != nil {
		return err
	}
	client, err := sarama.NewClient(b.cfg.Brokers, sc)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka producer: ping: %w", err)
	}
	defer client.Close()

	if err := client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("kafka producer: ping: %w", err)
	}
	return nil
}
