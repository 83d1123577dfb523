package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"supplierflow/auth"
	"supplierflow/concurrency"
	"supplierflow/config"
	"supplierflow/db"
	"supplierflow/health"
	"supplierflow/logging"
	"supplierflow/migrations"
	"supplierflow/saga"
	"supplierflow/store/memory"
	"supplierflow/store/postgres"
	redisstore "supplierflow/store/redis"
	"supplierflow/supplier"
	"supplierflow/telemetry"
	kafkatransport "supplierflow/transport/kafka"
)

const serviceName = "supplierflow-ingestor"

// sagaStore is a saga.Store that can also be probed for readiness.
type sagaStore interface {
	saga.Store
	health.Pinger
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	writer := func(topic string) *kafkatransport.Publisher {
		w := kafkatransport.NewWriter(cfg.KafkaBrokers, topic)
		closers = append(closers, w)
		return kafkatransport.NewPublisher(topic, w)
	}

	emitter := kafkatransport.NewEmitter(
		writer(kafkatransport.TopicProcessed),
		writer(kafkatransport.TopicInvalid),
	)

	orchA := saga.NewOrchestrator(supplier.A, store, emitter, logger).WithLease(cfg.SagaLease)
	orchB := saga.NewOrchestrator(supplier.B, store, emitter, logger).WithLease(cfg.SagaLease)

	consumers := []*kafkatransport.Consumer{
		newConsumer(cfg, cfg.SupplierA, kafkatransport.SagaHandler(orchA, supplier.Decode[supplier.SupplierAInput]), writer, logger),
		newConsumer(cfg, cfg.SupplierB, kafkatransport.SagaHandler(orchB, supplier.Decode[supplier.SupplierBInput]), writer, logger),
	}
	for _, c := range consumers {
		closers = append(closers, c)
	}

	checker := health.NewChecker(3*time.Second).
		Add("store", health.PingCheck(store)).
		Add("kafka", health.KafkaCheck(health.KafkaBrokers(cfg.KafkaBrokers)))

	server := &Server{
		publishers: map[string]Publisher{
			supplier.OriginSupplierA: writer(cfg.SupplierA.Topic),
			supplier.OriginSupplierB: writer(cfg.SupplierB.Topic),
		},
		sagas:  store,
		ready:  checker,
		logger: logger,
	}
	if cfg.IngressJWTSecret != "" {
		server.tokens = auth.NewTokens(cfg.IngressJWTSecret)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	logger.Info("ingestor started",
		"store", cfg.Store,
		"brokers", cfg.KafkaBrokers,
		"supplier_a_topic", cfg.SupplierA.Topic,
		"supplier_b_topic", cfg.SupplierB.Topic,
	)
	err = g.Wait()
	logger.Info("ingestor stopped", "error", err)
	return err
}

func newConsumer(cfg config.Config, stream config.StreamConfig, handler kafkatransport.Handler, writer func(string) *kafkatransport.Publisher, logger *slog.Logger) *kafkatransport.Consumer {
	reader := kafkatransport.NewReader(cfg.KafkaBrokers, stream.Topic, stream.GroupID, stream.Prefetch)
	return kafkatransport.NewConsumer(kafkatransport.ConsumerConfig{
		Topic:       stream.Topic,
		MaxAttempts: cfg.MaxDeliveryAttempts,
		MaxInterval: cfg.RetryMaxInterval,
		Concurrency: concurrency.Config{
			Limit:    stream.ConcurrentMessageLimit,
			Prefetch: stream.Prefetch,
		},
	}, reader, handler, writer(kafkatransport.DeadLetterTopic(stream.Topic)), logger)
}

// openStore connects the configured saga store. Postgres schemas are
// migrated on start.
func openStore(ctx context.Context, cfg config.Config) (sagaStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		maxConns := int32(cfg.SupplierA.ConcurrentMessageLimit + cfg.SupplierB.ConcurrentMessageLimit + 4)
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, maxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewStore(pool), pool.Close, nil
	case config.StoreRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis: ping: %w", err)
		}
		return redisstore.NewStore(rdb, cfg.RedisTTL), func() { rdb.Close() }, nil
	case config.StoreMemory:
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown saga store %q", cfg.Store)
	}
}
