// pkg/kafka/producer/producer_test.go
package producer

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/logger"
)

var (
	valueFn = kafka.Format("Message %d")
	keyFn   = kafka.Format("Key %d")
)

func newTestProducer(t *testing.T, cfg Config, factory asyncFactory) *BatchProducer {
	t.Helper()
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"mock:9092"}
	}
	bp, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if factory != nil {
		bp.newAsync = factory
	}
	return bp
}

// mockFactory отдаёт sarama mock, настроенный тем же конфигом, что
// получил бы настоящий producer (partitioner, Return.*).
func mockFactory(t *testing.T, expect func(mp *mocks.AsyncProducer)) asyncFactory {
	return func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		mp := mocks.NewAsyncProducer(t, sc)
		expect(mp)
		return mp, nil
	}
}

func succeedN(n int) func(mp *mocks.AsyncProducer) {
	return func(mp *mocks.AsyncProducer) {
		for i := 0; i < n; i++ {
			mp.ExpectInputAndSucceed()
		}
	}
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name    string
		input   Config
		wantErr bool
	}{
		{"empty", Config{}, true},
		{"blankBroker", Config{Brokers: []string{" "}}, true},
		{"ok", Config{Brokers: []string{"b1:9092"}}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if cfg.RequiredAcks != "all" || cfg.Compression != "none" || cfg.Version != "2.8.0" {
				t.Errorf("unexpected defaults: %+v", cfg)
			}
			if cfg.MessageTimeout != 5*time.Second {
				t.Errorf("MessageTimeout = %v", cfg.MessageTimeout)
			}
			if err := cfg.validate(); (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

func TestBuildSaramaConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"all", Config{RequiredAcks: "ALL", Compression: "none", Version: "2.8.0"}, false},
		{"leader", Config{RequiredAcks: "leader", Compression: "lz4", Version: "2.8.0"}, false},
		{"none", Config{RequiredAcks: "none", Compression: "zstd", Version: "2.8.0"}, false},
		{"badAcks", Config{RequiredAcks: "most", Compression: "none", Version: "2.8.0"}, true},
		{"badCompression", Config{RequiredAcks: "all", Compression: "brotli", Version: "2.8.0"}, true},
		{"badVersion", Config{RequiredAcks: "all", Compression: "none", Version: "x.y"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.cfg.MessageTimeout = time.Second
			sc, err := buildSaramaConfig(c.cfg)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !sc.Producer.Return.Successes || !sc.Producer.Return.Errors {
				t.Error("delivery reports must be enabled")
			}
			if sc.Producer.Idempotent != (sc.Producer.RequiredAcks == sarama.WaitForAll) {
				t.Error("idempotence must follow acks=all")
			}
			if err := sc.Validate(); err != nil {
				t.Errorf("sarama rejected config: %v", err)
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{}, logger.Nop()); err == nil {
		t.Fatal("expected error for empty Config")
	}
	if _, err := New(Config{Brokers: []string{"b"}, RequiredAcks: "some"}, logger.Nop()); err == nil {
		t.Fatal("expected error for invalid RequiredAcks")
	}
}

// -----------------------------------------------------------------------------
// Produce
// -----------------------------------------------------------------------------

func TestProduce_RoundTripMapping(t *testing.T) {
	const count = 5
	bp := newTestProducer(t, Config{}, mockFactory(t, succeedN(count)))

	before := testutil.ToFloat64(producerMetrics.Delivered.WithLabelValues(serviceLabel))
	m, err := bp.Produce(context.Background(), "__test_roundtrip", count, valueFn, keyFn)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if len(m) != count {
		t.Fatalf("len(mapping) = %d; want %d", len(m), count)
	}
	ids := m.IDs()
	for i, id := range ids {
		if id != int32(i) {
			t.Fatalf("IDs() = %v; want 0..%d", ids, count-1)
		}
	}
	for pos := range m {
		if pos.Partition < 0 || pos.Offset < 0 {
			t.Errorf("invalid position %s", pos)
		}
	}
	after := testutil.ToFloat64(producerMetrics.Delivered.WithLabelValues(serviceLabel))
	if after-before != count {
		t.Errorf("delivered metric grew by %v; want %d", after-before, count)
	}
}

func TestProduce_MessagesCarryKeyValueAndID(t *testing.T) {
	const count = 3
	seen := make(chan *sarama.ProducerMessage, count)
	check := func(msg *sarama.ProducerMessage) error {
		seen <- msg
		return nil
	}
	bp := newTestProducer(t, Config{}, mockFactory(t, func(mp *mocks.AsyncProducer) {
		for i := 0; i < count; i++ {
			mp.ExpectInputWithMessageCheckerFunctionAndSucceed(check)
		}
	}))

	if _, err := bp.Produce(context.Background(), "__test_payload", count, valueFn, keyFn); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	close(seen)

	for msg := range seen {
		id := msg.Metadata.(int32)
		k, _ := msg.Key.Encode()
		v, _ := msg.Value.Encode()
		if want := "Key " + itoa(id); string(k) != want {
			t.Errorf("id %d: key %q; want %q", id, k, want)
		}
		if want := "Message " + itoa(id); string(v) != want {
			t.Errorf("id %d: value %q; want %q", id, v, want)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != HeaderID || string(msg.Headers[0].Value) != itoa(id) {
			t.Errorf("id %d: headers %v", id, msg.Headers)
		}
	}
}

func itoa(id int32) string { return strconv.Itoa(int(id)) }

func TestProduce_ZeroCount(t *testing.T) {
	bp := newTestProducer(t, Config{}, func([]string, *sarama.Config) (sarama.AsyncProducer, error) {
		t.Fatal("no producer must be created for an empty batch")
		return nil, nil
	})
	m, err := bp.Produce(context.Background(), "__test_empty", 0, valueFn, keyFn)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if m == nil || len(m) != 0 {
		t.Errorf("expected empty non-nil mapping, got %v", m)
	}
}

func TestProduce_InvalidArguments(t *testing.T) {
	bp := newTestProducer(t, Config{}, nil)
	ctx := context.Background()
	cases := map[string]func() error{
		"noTopic":      func() error { _, err := bp.Produce(ctx, "", 1, valueFn, keyFn); return err },
		"negative":     func() error { _, err := bp.Produce(ctx, "t", -1, valueFn, keyFn); return err },
		"noValueFn":    func() error { _, err := bp.Produce(ctx, "t", 1, nil, keyFn); return err },
		"badPartition": func() error { _, err := bp.Produce(ctx, "t", 1, valueFn, keyFn, WithPartition(-2)); return err },
	}
	for name, call := range cases {
		if err := call(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestProduce_FixedPartition(t *testing.T) {
	const count, partition = 10, int32(3)
	bp := newTestProducer(t, Config{}, mockFactory(t, succeedN(count)))

	m, err := bp.Produce(context.Background(), "__test_fixed", count, valueFn, keyFn, WithPartition(partition))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if len(m) != count {
		t.Fatalf("len(mapping) = %d", len(m))
	}
	for pos := range m {
		if pos.Partition != partition {
			t.Errorf("position %s not in partition %d", pos, partition)
		}
	}
}

func TestProduce_NilKey(t *testing.T) {
	check := func(msg *sarama.ProducerMessage) error {
		if msg.Key != nil {
			return errors.New("expected nil key")
		}
		return nil
	}
	bp := newTestProducer(t, Config{}, mockFactory(t, func(mp *mocks.AsyncProducer) {
		mp.ExpectInputWithMessageCheckerFunctionAndSucceed(check)
		mp.ExpectInputWithMessageCheckerFunctionAndSucceed(check)
	}))
	if _, err := bp.Produce(context.Background(), "__test_nokey", 2, valueFn, nil); err != nil {
		t.Fatalf("Produce: %v", err)
	}
}

func TestProduce_LargeBatchExceedsChannelBuffer(t *testing.T) {
	// больше ChannelBufferSize (256): отчёты обязаны разбираться во время отправки
	const count = 1000
	bp := newTestProducer(t, Config{}, mockFactory(t, succeedN(count)))

	m, err := bp.Produce(context.Background(), "__test_large", count, valueFn, keyFn)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if len(m) != count {
		t.Fatalf("len(mapping) = %d; want %d", len(m), count)
	}
}

func TestProduce_DeliveryFailureAbortsBatch(t *testing.T) {
	bp := newTestProducer(t, Config{}, mockFactory(t, func(mp *mocks.AsyncProducer) {
		mp.ExpectInputAndSucceed()
		mp.ExpectInputAndFail(sarama.ErrNotLeaderForPartition)
		mp.ExpectInputAndSucceed()
		mp.ExpectInputAndSucceed()
	}))

	m, err := bp.Produce(context.Background(), "__test_fail", 4, valueFn, keyFn)
	if m != nil {
		t.Errorf("expected nil mapping, got %v", m)
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.ID != 1 || de.Op != OpDeliver {
		t.Errorf("got id=%d op=%s; want id=1 op=deliver", de.ID, de.Op)
	}
	if !errors.Is(err, sarama.ErrNotLeaderForPartition) {
		t.Errorf("cause lost: %v", err)
	}
}

type brokenEncoder struct{}

func (brokenEncoder) Encode() ([]byte, error) { return nil, errors.New("cannot serialize") }
func (brokenEncoder) Length() int             { return 0 }

func TestProduce_SendRejectionReportsID(t *testing.T) {
	value := func(id int32) sarama.Encoder {
		if id == 2 {
			return brokenEncoder{}
		}
		return valueFn(id)
	}
	// только id 0 и 1 доходят до producer'а
	bp := newTestProducer(t, Config{}, mockFactory(t, succeedN(2)))

	_, err := bp.Produce(context.Background(), "__test_reject", 5, value, keyFn)
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.ID != 2 || de.Op != OpSend {
		t.Errorf("got id=%d op=%s; want id=2 op=send", de.ID, de.Op)
	}
}

// collidingProducer переписывает позицию каждого успеха на одну и ту же.
type collidingProducer struct {
	*mocks.AsyncProducer
	out chan *sarama.ProducerMessage
}

func (c *collidingProducer) Successes() <-chan *sarama.ProducerMessage { return c.out }

func TestProduce_DuplicatePositionIsFatal(t *testing.T) {
	bp := newTestProducer(t, Config{}, func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		mp := mocks.NewAsyncProducer(t, sc)
		succeedN(3)(mp)
		c := &collidingProducer{AsyncProducer: mp, out: make(chan *sarama.ProducerMessage)}
		go func() {
			defer close(c.out)
			for msg := range mp.Successes() {
				msg.Partition, msg.Offset = 0, 7
				c.out <- msg
			}
		}()
		return c, nil
	})

	_, err := bp.Produce(context.Background(), "__test_collide", 3, valueFn, keyFn)
	var ce *CollisionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollisionError, got %v", err)
	}
	if ce.Position != (kafka.Position{Partition: 0, Offset: 7}) || ce.First != 0 || ce.Second != 1 {
		t.Errorf("unexpected collision: %+v", ce)
	}
}

// silentProducer проглатывает отчёты об успехе.
type silentProducer struct {
	*mocks.AsyncProducer
	out chan *sarama.ProducerMessage
}

func (s *silentProducer) Successes() <-chan *sarama.ProducerMessage { return s.out }

func TestProduce_DeliveryTimeout(t *testing.T) {
	bp := newTestProducer(t, Config{MessageTimeout: 50 * time.Millisecond}, func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		mp := mocks.NewAsyncProducer(t, sc)
		succeedN(2)(mp)
		s := &silentProducer{AsyncProducer: mp, out: make(chan *sarama.ProducerMessage)}
		go func() {
			defer close(s.out)
			for range mp.Successes() {
			}
		}()
		return s, nil
	})

	_, err := bp.Produce(context.Background(), "__test_timeout", 2, valueFn, keyFn)
	if !errors.Is(err, ErrDeliveryTimeout) {
		t.Fatalf("expected ErrDeliveryTimeout, got %v", err)
	}
	var de *DeliveryError
	if errors.As(err, &de) && de.ID != 0 {
		t.Errorf("expected first message to time out, got id %d", de.ID)
	}
}

func TestProduce_ContextCancelled(t *testing.T) {
	bp := newTestProducer(t, Config{}, func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		mp := mocks.NewAsyncProducer(t, sc)
		succeedN(1)(mp)
		s := &silentProducer{AsyncProducer: mp, out: make(chan *sarama.ProducerMessage)}
		go func() {
			defer close(s.out)
			for range mp.Successes() {
			}
		}()
		return s, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := bp.Produce(ctx, "__test_cancel", 1, valueFn, keyFn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestProduce_ConstructionFailure(t *testing.T) {
	boom := errors.New("dial refused")
	bp := newTestProducer(t, Config{}, func([]string, *sarama.Config) (sarama.AsyncProducer, error) {
		return nil, boom
	})
	m, err := bp.Produce(context.Background(), "__test_down", 5, valueFn, keyFn)
	if !errors.Is(err, boom) || m != nil {
		t.Fatalf("got %v, %v; want wrapped construction error and nil mapping", m, err)
	}
}

func TestProduce_UnreachableBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed local port")
	}
	bp, err := New(Config{Brokers: []string{"127.0.0.1:1"}}, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m, err := bp.Produce(context.Background(), "__test_unreachable", 5, valueFn, keyFn)
	if err == nil {
		t.Fatal("expected error for unreachable broker")
	}
	if m != nil {
		t.Errorf("expected nil mapping, got %v", m)
	}
	if err := bp.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail")
	}
}

func TestProduce_TracingKeepsCorrelation(t *testing.T) {
	const count = 3
	bp := newTestProducer(t, Config{Tracing: true, MessageTimeout: 2 * time.Second}, mockFactory(t, succeedN(count)))

	m, err := bp.Produce(context.Background(), "__test_traced", count, valueFn, keyFn)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if len(m) != count {
		t.Fatalf("len(mapping) = %d; want %d", len(m), count)
	}
	for i, id := range m.IDs() {
		if id != int32(i) {
			t.Fatalf("IDs() = %v", m.IDs())
		}
	}
}

func TestMessageID_HeaderWinsOverMetadata(t *testing.T) {
	msg := &sarama.ProducerMessage{
		Metadata: "span",
		Headers: []sarama.RecordHeader{
			{Key: []byte("traceparent"), Value: []byte("00-abc")},
			{Key: []byte(HeaderID), Value: []byte("42")},
		},
	}
	if id, ok := messageID(msg); !ok || id != 42 {
		t.Errorf("messageID = %d, %v; want 42", id, ok)
	}
	if id, ok := messageID(&sarama.ProducerMessage{Metadata: int32(7)}); !ok || id != 7 {
		t.Errorf("metadata fallback = %d, %v; want 7", id, ok)
	}
	if _, ok := messageID(&sarama.ProducerMessage{Metadata: "span"}); ok {
		t.Error("expected no id without header or int32 metadata")
	}
}

// reorderingProducer копит n отчётов об успехе и отдаёт их в обратном
// порядке, запоминая позицию каждого id.
type reorderingProducer struct {
	*mocks.AsyncProducer
	out chan *sarama.ProducerMessage
	got map[int32]kafka.Position
}

func (r *reorderingProducer) Successes() <-chan *sarama.ProducerMessage { return r.out }

func TestProduce_OutOfOrderAcknowledgements(t *testing.T) {
	const count = 20
	var rp *reorderingProducer
	bp := newTestProducer(t, Config{}, func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		mp := mocks.NewAsyncProducer(t, sc)
		succeedN(count)(mp)
		rp = &reorderingProducer{
			AsyncProducer: mp,
			out:           make(chan *sarama.ProducerMessage),
			got:           make(map[int32]kafka.Position, count),
		}
		go func() {
			defer close(rp.out)
			buf := make([]*sarama.ProducerMessage, 0, count)
			for msg := range mp.Successes() {
				buf = append(buf, msg)
				if len(buf) == count {
					break
				}
			}
			for i := len(buf) - 1; i >= 0; i-- {
				msg := buf[i]
				rp.got[msg.Metadata.(int32)] = kafka.Position{Partition: msg.Partition, Offset: msg.Offset}
				rp.out <- msg
			}
			for range mp.Successes() {
			}
		}()
		return rp, nil
	})

	m, err := bp.Produce(context.Background(), "__test_reorder", count, valueFn, keyFn)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if len(m) != count {
		t.Fatalf("len(mapping) = %d; want %d", len(m), count)
	}
	seen := make(map[int32]bool, count)
	for pos, id := range m {
		if seen[id] {
			t.Fatalf("id %d mapped twice", id)
		}
		seen[id] = true
		if want := rp.got[id]; pos != want {
			t.Errorf("id %d at %s; its message was acknowledged at %s", id, pos, want)
		}
	}
}

func TestProduce_WithConfigHook(t *testing.T) {
	var gotClientID string
	bp := newTestProducer(t, Config{}, func(_ []string, sc *sarama.Config) (sarama.AsyncProducer, error) {
		gotClientID = sc.ClientID
		mp := mocks.NewAsyncProducer(t, sc)
		succeedN(1)(mp)
		return mp, nil
	})

	_, err := bp.Produce(context.Background(), "__test_hook", 1, valueFn, keyFn,
		WithConfig(func(sc *sarama.Config) { sc.ClientID = "custom-client" }))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if gotClientID != "custom-client" {
		t.Errorf("ClientID = %q; want custom-client", gotClientID)
	}

	_, err = bp.Produce(context.Background(), "__test_hook", 1, valueFn, keyFn,
		WithConfig(func(sc *sarama.Config) { sc.Producer.Return.Successes = false }))
	if err == nil {
		t.Error("expected error when delivery reports are disabled")
	}
}

func TestProduce_WithProgress(t *testing.T) {
	const count = 4
	bp := newTestProducer(t, Config{StatisticsInterval: time.Millisecond}, mockFactory(t, succeedN(count)))

	var calls []Progress
	_, err := bp.Produce(context.Background(), "__test_progress", count, valueFn, keyFn,
		WithProgress(func(p Progress) { calls = append(calls, p) }))
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if len(calls) == 0 {
		t.Fatal("progress callback never called")
	}
	last := calls[len(calls)-1]
	if last != (Progress{Submitted: count, Delivered: count}) || last.InFlight() != 0 {
		t.Errorf("final progress = %+v", last)
	}
}
