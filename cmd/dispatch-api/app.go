package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	dispatchapi "github.com/CuraFleet/dispatch/internal/api/dispatch_api"
	"github.com/CuraFleet/dispatch/internal/broker/messages"
	"github.com/CuraFleet/dispatch/internal/services/dispatch"
)

type dispatchAPIOpts struct {
	httpAddr    string
	swaggerPath string

	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(topic string, key, value []byte) error) error
}

func runDispatchAPI(ctx context.Context, opts dispatchAPIOpts, svc *dispatch.Service, consumer kafkaConsumer) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	// Swagger is optional: the api runs fine without the file mounted.
	if opts.swaggerPath != "" {
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		} else {
			slog.Warn("swagger file not found, docs disabled", "path", opts.swaggerPath)
		}
	}

	r.Mount("/", dispatchapi.New(svc).Routes())

	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started",
				"topics", []string{messages.TopicDriverNotifications, messages.TopicDispatcherNotifications},
				"group", opts.consumerGroup)
			err := consumer.Consume(ctx, func(topic string, _key, value []byte) error {
				return applyNotification(ctx, svc, topic, value)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "error", err.Error())
			}
		}()
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}

func applyNotification(ctx context.Context, svc *dispatch.Service, topic string, value []byte) error {
	switch topic {
	case messages.TopicDriverNotifications:
		var m messages.DriverNotification
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		return svc.ApplyDriverNotification(ctx, m)
	case messages.TopicDispatcherNotifications:
		var m messages.DispatcherEscalation
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		return svc.ApplyDispatcherEscalation(ctx, m)
	default:
		slog.Warn("message on unexpected topic", "topic", topic)
		return nil
	}
}
