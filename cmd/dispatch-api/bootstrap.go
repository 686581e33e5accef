package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CuraFleet/dispatch/config"
	"github.com/CuraFleet/dispatch/internal/broker/kafka"
	"github.com/CuraFleet/dispatch/internal/broker/messages"
	"github.com/CuraFleet/dispatch/internal/cache/rediscache"
	"github.com/CuraFleet/dispatch/internal/notify"
	"github.com/CuraFleet/dispatch/internal/services/acceptance"
	"github.com/CuraFleet/dispatch/internal/services/dispatch"
	"github.com/CuraFleet/dispatch/internal/storage/pgdispatch"
)

type dispatchAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     dispatchAPIOpts
	svc      *dispatch.Service
	consumer *kafka.Consumer
	closeDB  func()
}

func mustBootstrapDispatchAPI() *dispatchAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	httpAddr := cfg.Dispatch.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Dispatch.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "dispatch-api"
	}
	acceptanceTTL := time.Duration(cfg.Dispatch.AcceptanceTTLSeconds) * time.Second
	if acceptanceTTL <= 0 {
		acceptanceTTL = 30 * time.Second
	}
	tokenTTL := time.Duration(cfg.Dispatch.RespondTokenTTLHours) * time.Hour
	if tokenTTL <= 0 {
		tokenTTL = 48 * time.Hour
	}

	st := mustOpenPostgresWithRetry(connString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	notifier := notify.New(producer)
	if perHour := cfg.Dispatch.NotifyRateLimitPerDriverPerHour; perHour > 0 {
		notifier.WithRateLimiter(rediscache.NewRateLimiter(redisAddr), int64(perHour), time.Hour)
	}

	engine := acceptance.New(st, nil, cfg.Dispatch.AcceptanceFlowEnabled).
		WithLocation(mustLoadLocation(cfg.Dispatch.Timezone))

	svc := dispatch.New(st, engine).
		WithNotifier(notifier, cfg.Dispatch.RespondBaseURL).
		WithCache(rc, acceptanceTTL).
		WithTokenTTL(tokenTTL)

	consumer := kafka.NewConsumer(brokers,
		[]string{messages.TopicDriverNotifications, messages.TopicDispatcherNotifications},
		consumerGroup)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &dispatchAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: dispatchAPIOpts{
			httpAddr:      httpAddr,
			swaggerPath:   os.Getenv("swaggerPath"),
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		consumer: consumer,
		closeDB:  st.Close,
	}
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgdispatch.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdispatch.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func mustLoadLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("unknown timezone %q: %v", name, err))
	}
	return loc
}

func (a *dispatchAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *dispatchAPIApp) Run() error {
	return runDispatchAPI(a.ctx, a.opts, a.svc, a.consumer)
}
