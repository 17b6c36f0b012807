package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samandr77/jacaranda/internal/api"
	"github.com/samandr77/jacaranda/internal/cache"
	"github.com/samandr77/jacaranda/internal/clients/gomail"
	"github.com/samandr77/jacaranda/internal/clients/mailjet"
	"github.com/samandr77/jacaranda/internal/ledger"
	"github.com/samandr77/jacaranda/internal/notify"
	"github.com/samandr77/jacaranda/internal/otp"
	"github.com/samandr77/jacaranda/internal/repository"
	"github.com/samandr77/jacaranda/internal/security"
	"github.com/samandr77/jacaranda/internal/service"
	"github.com/samandr77/jacaranda/internal/session"
	"github.com/samandr77/jacaranda/pkg/broker"
	"github.com/samandr77/jacaranda/pkg/config"
	"github.com/samandr77/jacaranda/pkg/job"
	"github.com/samandr77/jacaranda/pkg/logger"
	"github.com/samandr77/jacaranda/pkg/postgres"
)

const (
	ReadTimeout       = 3 * time.Second
	WriteTimeout      = 10 * time.Second
	IdleTimeout       = 60 * time.Second
	ReadHeaderTimeout = 1 * time.Second
)

// @title       Jacaranda Talk auth API
// @version     1.0
// @description Password plus email OTP login with session cookies.
// @BasePath    /

//nolint:funlen
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.New(".env")
	panicOnErr("load config", err)

	l := logger.New("auth", logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(l)

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	panicOnErr("connect to postgres", err)

	defer pool.Close()

	err = postgres.UpMigrations(ctx, cfg.PostgresDSN)
	panicOnErr("up migrations", err)

	rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	panicOnErr("connect to redis", err)

	defer rdb.Close()

	store := cache.New(rdb)

	channels := []notify.Channel{mailjet.NewClient(cfg.Mailjet)}

	switch cfg.Notify.Fallback {
	case config.FallbackKafka:
		producer := broker.NewProducer(l, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()

		channels = append(channels, notify.NewRelayChannel(producer))
	default:
		channels = append(channels, gomail.New(cfg.SMTP))
	}

	gateway := notify.NewGateway(l, notify.Config{
		MaxAttempts: cfg.Notify.MaxAttempts,
		BaseDelay:   cfg.Notify.BaseDelay,
	}, channels...)

	issuer := otp.NewIssuer(store, gateway, otp.Config{
		CodeTTL:     cfg.OTP.CodeTTL,
		Cooldown:    cfg.OTP.Cooldown(),
		VerifyLimit: cfg.OTP.VerifyLimit,
	})

	hasher, err := security.NewBcryptHasher(0)
	panicOnErr("init password hasher", err)

	tickets, err := service.NewTicketSigner(cfg.JWT.Secret, cfg.OTP.CodeTTL)
	panicOnErr("init ticket signer", err)

	attemptRepo := repository.NewAttemptRepository(pool)

	deps := service.Deps{
		Identities: repository.NewIdentityRepository(pool),
		Hasher:     hasher,
		Ledger:     ledger.New(store, cfg.Lockout.Window, cfg.Lockout.Threshold),
		OTP:        issuer,
		Sessions:   session.NewStore(store, cfg.Session.TTL),
		Tickets:    tickets,
		Attempts:   attemptRepo,
	}

	key, err := cfg.ContactKey()
	panicOnErr("decode contact key", err)

	if key != nil {
		deps.Contacts = security.NewContactCodec(key)
	}

	s := service.NewService(deps)

	h := api.NewHandler(s, api.SessionCookie{
		Name:   cfg.Session.CookieName,
		Secure: cfg.Session.CookieSecure,
		TTL:    cfg.Session.TTL,
	})
	trusted, err := cfg.TrustedProxyPrefixes()
	panicOnErr("parse trusted proxies", err)

	mw := api.NewMiddleware(s, cfg.Session.CookieName).WithTrustedProxies(trusted)
	router := api.NewRouter(h, mw)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout(WriteTimeout),
		IdleTimeout:       IdleTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	jobs := job.NewService(l).
		TryRegisterJob(cfg.Audit.PurgeEnabled, "purge_login_attempts", cfg.Audit.PurgeInterval,
			service.PurgeAttempts(attemptRepo, cfg.Audit.Retention))
	jobs.Start(ctx)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		l.Info("http server started", "port", cfg.HTTPPort, "tls", cfg.ServerCert != "", "mtls", cfg.MTLSEnabled,
			"write_timeout", server.WriteTimeout.String())

		var err error

		if cfg.ServerCert != "" {
			server.TLSConfig = configureTLS(&cfg)
			err = server.ListenAndServeTLS(cfg.ServerCert, cfg.ServerKey)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Panicf("listen and serve: %s", err)
		}

		l.Debug("http server stopped")
	}()

	waitSignal(l, cancel, server)
	jobs.Stop()
	wg.Wait()
}

func waitSignal(l *slog.Logger, cancel context.CancelFunc, server *http.Server) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	sig := <-ch

	l.Info("got OS signal", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		l.Error("server shutdown", "error", err)
	}
}

func panicOnErr(msg string, err error) {
	if err != nil {
		log.Panicf("%s: %s", msg, err)
	}
}

func configureTLS(cfg *config.Config) *tls.Config {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.MTLSEnabled {
		caCert, err := os.ReadFile(cfg.CACert)
		panicOnErr("load CA cert", err)

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			log.Panic("failed to append CA cert to pool")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.NoClientCert
	}

	return tlsConfig
}
