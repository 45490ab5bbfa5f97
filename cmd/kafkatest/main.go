package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/kafkatest/pkg/config"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafka/producer"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/kafkatest"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/logger"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/metrics"
	"github.com/YaganovValera/analytics-system/kafkatest/pkg/telemetry"
)

type roundtripOpts struct {
	count       int
	partition   int32
	timeout     time.Duration
	metrics     bool
	metricsAddr string
	progress    bool
}

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:           "kafkatest",
		Short:         "Kafka test harness tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv(kafkatest.ConfigPathEnv), "path to config file")

	opts := roundtripOpts{}
	rt := &cobra.Command{
		Use:   "roundtrip",
		Short: "Produce a batch to a fresh topic and read it back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRoundtrip(cmd.Context(), cfgFile, opts, cmd.Flags())
		},
	}
	rt.Flags().IntVar(&opts.count, "count", 5, "number of messages")
	rt.Flags().Int32Var(&opts.partition, "partition", -1, "fixed partition (-1 = partitioner decides)")
	rt.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	rt.Flags().BoolVar(&opts.metrics, "metrics", false, "print harness metrics after the run")
	rt.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address while the run lasts")
	rt.Flags().BoolVar(&opts.progress, "progress", false, "log batch progress on every statistics tick")
	root.AddCommand(rt)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kafkatest: %v\n", err)
		os.Exit(1)
	}
}

func runRoundtrip(ctx context.Context, cfgFile string, opts roundtripOpts, flags *pflag.FlagSet) error {
	// 1. Конфиг
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Logging.DevMode {
		cfg.Print()
	}

	// 2. Логгер
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// 3. Телеметрия
	tcfg := cfg.Telemetry
	if tcfg.ServiceName == "" {
		tcfg.ServiceName = cfg.ServiceName
	}
	shutdownTracer, err := telemetry.InitTracer(ctx, tcfg, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	// 4. /metrics на время прогона
	if opts.metricsAddr != "" {
		_, stop, err := serveMetrics(opts.metricsAddr, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	h, err := kafkatest.New(*cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	// 5. Брокер
	if err := h.WaitReady(ctx); err != nil {
		return fmt.Errorf("broker not ready: %w", err)
	}

	// 6. Отправка
	var popts []producer.Option
	if flags.Changed("partition") && opts.partition >= 0 {
		popts = append(popts, producer.WithPartition(opts.partition))
	}
	if opts.progress {
		popts = append(popts, producer.WithProgress(func(p producer.Progress) {
			log.Info("batch progress",
				zap.Int64("submitted", p.Submitted),
				zap.Int64("delivered", p.Delivered),
				zap.Int64("failed", p.Failed),
				zap.Int64("in_flight", p.InFlight()),
			)
		}))
	}
	topic := h.TopicName()
	start := time.Now()
	m, err := h.Produce(ctx, topic, opts.count, kafkatest.ValueFn, kafkatest.KeyFn, popts...)
	if err != nil {
		return err
	}
	log.Info("batch delivered",
		zap.String("topic", topic),
		zap.Int("messages", len(m)),
		zap.Duration("took", time.Since(start)),
	)

	// 7. Обратное чтение и сверка
	c, err := h.OpenConsumer(ctx, topic)
	if err != nil {
		return err
	}
	defer c.Close()

	msgs, err := c.Collect(ctx, len(m))
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if _, err := kafkatest.VerifyDelivered(m, msg, kafkatest.ValueFn, kafkatest.KeyFn); err != nil {
			return err
		}
	}

	fmt.Printf("roundtrip ok: topic=%s group=%s messages=%d\n", topic, c.GroupID(), len(msgs))
	for _, pos := range m.Positions() {
		fmt.Printf("  %s -> %d\n", pos, m[pos])
	}
	if opts.metrics {
		return metrics.WriteText(os.Stdout, metrics.DefaultGatherer, metrics.Namespace+"_")
	}
	return nil
}

// serveMetrics отдаёт /metrics на addr и возвращает фактический адрес
// и функцию остановки.
func serveMetrics(addr string, log *logger.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}, nil
}
