package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samandr77/jacaranda/internal/api/events"
	"github.com/samandr77/jacaranda/internal/clients/gomail"
	"github.com/samandr77/jacaranda/pkg/broker"
	"github.com/samandr77/jacaranda/pkg/config"
	"github.com/samandr77/jacaranda/pkg/logger"
)

const (
	readTimeout       = 3 * time.Second
	readHeaderTimeout = time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.New(".env")
	panicOnErr("create config", err)

	l := logger.New("notifier", logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(l)

	eventHandler := events.NewEventHandler(l, gomail.New(cfg.SMTP))

	consumer := broker.NewConsumer(l, cfg.Kafka.Brokers, cfg.Kafka.ConsumerID, cfg.Kafka.Topic)
	defer consumer.Close()

	consumer.Handle(cfg.Kafka.Topic, eventHandler.SendOTPEmail).Consume(ctx)

	router := http.NewServeMux()
	router.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Panic(err)
		}
	}()

	l.Info("notifier started", "port", cfg.HTTPPort, "topic", cfg.Kafka.Topic)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	sig := <-ch

	l.Info("got OS signal", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		l.Error("shutdown", "error", err)
	}
}

func panicOnErr(msg string, err error) {
	if err != nil {
		log.Panicf("%s: %s", msg, err)
	}
}
