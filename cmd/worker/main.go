package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/ai"
	"github.com/suPer8Hu/phantom-rooms/internal/chat"
	"github.com/suPer8Hu/phantom-rooms/internal/config"
	"github.com/suPer8Hu/phantom-rooms/internal/db"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/logging"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
	"github.com/suPer8Hu/phantom-rooms/internal/store/rabbitmq"
	"github.com/suPer8Hu/phantom-rooms/internal/store/redisstore"
)

type jobRunner struct {
	svc         *chat.Service
	retry       *rabbitmq.Publisher
	maxAttempts int
	retryDelay  time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}

	// narrator posts reach live sessions through the shared change feed
	rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rs.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	broker := feed.NewBroker(rs.Client(), logger, m)

	repo := chat.NewRepo(gdb)
	rooms := chat.NewRoomStore(gdb, broker, nil, logger)
	narrStore := chat.NewNarratorStore(gdb, rooms)
	orch := narrator.New(
		narrStore,
		narrator.NewRegistryOracle(ai.FromConfig(cfg)),
		narrator.Config{HistoryLimit: cfg.Narrator.HistoryLimit, TempCharacterTTL: cfg.Narrator.TempCharacterTTL},
		logger, m,
	)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		logger.Fatal("queue declare", zap.Error(err))
	}

	// strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatal("consume", zap.Error(err))
	}

	pub := rabbitmq.NewChannelPublisher(ch, cfg.RabbitQueue)
	runner := &jobRunner{
		svc:         chat.NewService(repo, pub, narrStore, orch, cfg.Narrator.HistoryLimit, logger),
		retry:       pub,
		maxAttempts: cfg.WorkerMaxAttempts,
		retryDelay:  cfg.WorkerRetryDelay,
		log:         logger,
		metrics:     m,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper, err := narrator.NewSweeper(narrStore, cfg.Narrator.SweepCron, logger)
	if err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}
	go sweeper.Run(ctx)

	if cfg.WorkerMetricsAddr != "" {
		go serveMetrics(ctx, cfg.WorkerMetricsAddr, reg, logger)
	}

	logger.Info("worker started",
		zap.String("queue", cfg.RabbitQueue),
		zap.Int("concurrency", concurrency),
		zap.Int("max_attempts", cfg.WorkerMaxAttempts),
	)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				runner.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Warn("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handle runs one delivery. Throttled or quota-limited jobs are parked on the
// retry queue until maxAttempts; every other failure goes to the DLQ.
func (r *jobRunner) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	var msg rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		r.log.Warn("bad message", zap.Int("worker", workerID), zap.Error(err))
		_ = d.Nack(false, false)
		r.metrics.JobDelivery("dead")
		return
	}
	jl := r.log.With(zap.Int("worker", workerID), zap.String("job_id", msg.JobID), zap.Int("attempt", msg.Attempt))

	start := time.Now()
	res, err := r.svc.RunJob(ctx, msg.JobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			jl.Warn("ack failed", zap.Error(err))
		}
		r.metrics.JobDelivery("ack")
		if res != nil {
			jl.Info("narrator job done",
				zap.Int("responses", len(res.Responses)),
				zap.Duration("cost", time.Since(start)),
			)
		}
		return
	}

	if retryable(err) && msg.Attempt+1 < r.maxAttempts {
		rerr := r.requeue(ctx, msg)
		if rerr == nil {
			_ = d.Ack(false)
			r.metrics.JobDelivery("retry")
			jl.Info("narrator job deferred", zap.Duration("delay", r.retryDelay), zap.Error(err))
			return
		}
		jl.Error("retry publish failed", zap.Error(rerr))
	}

	jl.Error("narrator job failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
	_ = d.Nack(false, false)
	r.metrics.JobDelivery("dead")
}

func (r *jobRunner) requeue(ctx context.Context, msg rabbitmq.JobMessage) error {
	if err := r.svc.RetryJob(ctx, msg.JobID); err != nil {
		return err
	}
	msg.Attempt++
	return r.retry.PublishRetry(ctx, msg, r.retryDelay)
}

func retryable(err error) bool {
	return errors.Is(err, ai.ErrRateLimited) || errors.Is(err, ai.ErrQuotaExhausted)
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics listener stopped", zap.Error(err))
	}
}
