package main

import (
	"context"
	"fmt"
	"time"

	"github.com/CuraFleet/dispatch/config"
	"github.com/CuraFleet/dispatch/internal/broker/kafka"
	"github.com/CuraFleet/dispatch/internal/cache/rediscache"
	"github.com/CuraFleet/dispatch/internal/notify"
	"github.com/CuraFleet/dispatch/internal/services/acceptance"
	"github.com/CuraFleet/dispatch/internal/services/sweeper"
	"github.com/CuraFleet/dispatch/internal/storage/pgdispatch"
)

type producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type rateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo acceptance.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) producer
	newRateLimiter func(cfg *config.Config) rateLimiter
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (acceptance.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgdispatch.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) rateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
	}
}

func RunAcceptanceWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	sweepInterval := time.Duration(cfg.Dispatch.SweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	notifier := notify.New(f.newProducer(cfg))
	if perHour := cfg.Dispatch.NotifyRateLimitPerDriverPerHour; perHour > 0 {
		if rl := f.newRateLimiter(cfg); rl != nil {
			notifier.WithRateLimiter(rl, int64(perHour), time.Hour)
		}
	}

	engine := acceptance.New(repo, notifier, cfg.Dispatch.AcceptanceFlowEnabled).
		WithLocation(mustLoadLocation(cfg.Dispatch.Timezone))
	sw := sweeper.New(engine).WithInterval(sweepInterval)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:      cfg.Dispatch.WorkerHTTPAddr,
			triggerSecret: cfg.Dispatch.SweepTriggerSecret,
			sweeper:       sw,
			cfg:           cfg,
		})
	}()

	sweepErr := make(chan error, 1)
	go func() {
		sweepErr <- sw.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sweepErr:
		return err
	case err := <-httpErr:
		return err
	}
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
