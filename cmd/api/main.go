package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/suPer8Hu/phantom-rooms/internal/ai"
	"github.com/suPer8Hu/phantom-rooms/internal/chat"
	"github.com/suPer8Hu/phantom-rooms/internal/config"
	"github.com/suPer8Hu/phantom-rooms/internal/db"
	"github.com/suPer8Hu/phantom-rooms/internal/feed"
	"github.com/suPer8Hu/phantom-rooms/internal/httpapi"
	"github.com/suPer8Hu/phantom-rooms/internal/httpapi/handlers"
	"github.com/suPer8Hu/phantom-rooms/internal/logging"
	"github.com/suPer8Hu/phantom-rooms/internal/metrics"
	"github.com/suPer8Hu/phantom-rooms/internal/narrator"
	"github.com/suPer8Hu/phantom-rooms/internal/presence"
	"github.com/suPer8Hu/phantom-rooms/internal/spam"
	"github.com/suPer8Hu/phantom-rooms/internal/store/rabbitmq"
	"github.com/suPer8Hu/phantom-rooms/internal/store/redisstore"
)

const spamIdleAfter = 30 * time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	if err := chat.Migrate(gdb); err != nil {
		logger.Fatal("db migrate", zap.Error(err))
	}

	rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rs.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rs.Ping(pingCtx); err != nil {
		cancel()
		logger.Fatal("redis ping", zap.Error(err))
	}
	cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	broker := feed.NewBroker(rs.Client(), logger, m)
	pres := presence.NewChannel(rs.Client(), cfg.Presence.TTL, logger)

	guard := spam.NewGuard(spam.Config{
		MinInterval:   cfg.Spam.MinInterval,
		MaxPerMinute:  cfg.Spam.MaxPerMinute,
		MaxDuplicates: cfg.Spam.MaxDuplicates,
	}, chat.NewModeration(gdb), logger, m)
	go pruneSpamState(ctx, guard, logger)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Fatal("rabbit publisher", zap.Error(err))
	}
	defer pub.Close()

	repo := chat.NewRepo(gdb)
	jobs := chat.NewService(repo, pub, nil, nil, cfg.Narrator.HistoryLimit, logger)
	rooms := chat.NewRoomStore(gdb, broker, jobs, logger)
	directs := chat.NewDirectStore(gdb, broker, logger)

	// /narrator/invoke runs in-process; queued triggers run in the worker
	orch := narrator.New(
		chat.NewNarratorStore(gdb, rooms),
		narrator.NewRegistryOracle(ai.FromConfig(cfg)),
		narrator.Config{HistoryLimit: cfg.Narrator.HistoryLimit, TempCharacterTTL: cfg.Narrator.TempCharacterTTL},
		logger, m,
	)

	h := handlers.NewHandler(handlers.Deps{
		Cfg:      cfg,
		Log:      logger,
		Metrics:  m,
		Rooms:    rooms,
		Directs:  directs,
		Guard:    guard,
		Presence: pres,
		Feed:     broker,
		Narrator: orch,
		Jobs:     jobs,
	})
	router := httpapi.NewRouter(h, reg)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("api stopped")
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// pruneSpamState drops heuristic state for actors idle longer than
// spamIdleAfter.
func pruneSpamState(ctx context.Context, g *spam.Guard, logger *zap.Logger) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := g.Prune(spamIdleAfter); n > 0 {
				logger.Debug("pruned spam state", zap.Int("actors", n))
			}
		}
	}
}
