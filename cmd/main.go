// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/mecho"
	"github.com/absmach/mecho/examples/simple"
	"github.com/absmach/mecho/pkg/buffer"
	"github.com/absmach/mecho/pkg/handler"
	"github.com/absmach/mecho/pkg/health"
	"github.com/absmach/mecho/pkg/metrics"
	"github.com/absmach/mecho/pkg/pipeline"
	"github.com/absmach/mecho/pkg/ratelimit"
	"github.com/absmach/mecho/pkg/relay"
	"github.com/absmach/mecho/pkg/secure"
	"github.com/absmach/mecho/pkg/server/tcp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const svcName = "mecho"

type flags struct {
	envPrefix   string
	port        int
	secure      bool
	wiretap     bool
	idleTimeout time.Duration
	certFile    string
	keyFile     string
}

func main() {
	f := new(flags)

	command := &cobra.Command{
		Use:          svcName,
		Short:        "TCP echo server with optional TLS",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f)
		},
	}

	command.Flags().StringVar(&f.envPrefix, "env-prefix", mecho.EnvPrefix, "Prefix of the environment variables.")
	command.Flags().IntVarP(&f.port, "port", "p", 0, "Listen port. Defaults to 8080, or 8443 with --secure.")
	command.Flags().BoolVarP(&f.secure, "secure", "s", false, "Terminate TLS on accepted connections.")
	command.Flags().BoolVarP(&f.wiretap, "wiretap", "w", false, "Log every connection event and payload.")
	command.Flags().DurationVar(&f.idleTimeout, "idle-timeout", mecho.DefaultIdleTimeout, "Close connections that send nothing for this long.")
	command.Flags().StringVar(&f.certFile, "cert", "", "PEM certificate file. A self-signed certificate is generated when empty.")
	command.Flags().StringVar(&f.keyFile, "key", "", "PEM private key file.")

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, f *flags) error {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := mecho.NewConfig(env.Options{Prefix: f.envPrefix}, f.override(cmd))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New(svcName, prometheus.DefaultRegisterer)
	pool := buffer.NewPool(cfg.BufferSize)
	if err := metrics.RegisterBufferPool(prometheus.DefaultRegisterer, svcName, pool.Outstanding); err != nil {
		return err
	}

	p, err := newPipeline(cfg, pool, m, logger)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.AcceptBurst > 0 {
		limiter = ratelimit.NewLimiter(cfg.AcceptBurst, cfg.AcceptRate, 0)
		defer limiter.Close()
	}

	server := tcp.New(tcp.Config{
		Address:         cfg.Address(),
		ShutdownTimeout: cfg.ShutdownTimeout,
		TCPKeepAlive:    cfg.TCPKeepAlive,
		DisableNoDelay:  cfg.DisableNoDelay,
		ReusePort:       cfg.ReusePort,
		Limiter:         limiter,
		Metrics:         m,
		Logger:          logger,
	}, p)

	// Bind failures are the only fatal errors.
	if err := server.Start(ctx); err != nil {
		logger.Error("failed to start server", slog.String("error", err.Error()))
		return err
	}
	logger.Info("echo server listening",
		slog.String("address", server.Addr().String()),
		slog.String("protocol", p.Protocol()),
		slog.Duration("idle_timeout", cfg.IdleTimeout),
		slog.Bool("wiretap", cfg.Wiretap))

	g.Go(server.Wait)

	if cfg.MetricsPort > 0 {
		checker := newChecker(cfg, server, pool, m)
		g.Go(func() error {
			return serveObservability(ctx, cfg.MetricsPort, checker, logger)
		})
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated with error: %s", svcName, err))
		return err
	}
	logger.Info(svcName + " service stopped")
	return nil
}

// override applies the flags set on the command line on top of the
// environment.
func (f *flags) override(cmd *cobra.Command) func(*mecho.Config) {
	changed := cmd.Flags().Changed
	return func(cfg *mecho.Config) {
		if changed("port") {
			cfg.Port = f.port
		}
		if changed("secure") {
			cfg.Secure = f.secure
		}
		if changed("wiretap") {
			cfg.Wiretap = f.wiretap
		}
		if changed("idle-timeout") {
			cfg.IdleTimeout = f.idleTimeout
		}
		if changed("cert") {
			cfg.CertFile = f.certFile
		}
		if changed("key") {
			cfg.KeyFile = f.keyFile
		}
	}
}

func newPipeline(cfg mecho.Config, pool *buffer.Pool, m *metrics.Metrics, logger *slog.Logger) (*pipeline.Pipeline, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	var neg *secure.Negotiator
	if cfg.Secure {
		cert, err := secure.Material(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS material: %w", err)
		}
		if cfg.CertFile == "" {
			logger.Warn("no certificate configured, using a self-signed certificate")
		}
		neg = secure.NewNegotiator(cert, cfg.HandshakeTimeout)
	}

	hooks := []handler.Handler{simple.New(logger)}
	if cfg.Wiretap {
		format, err := handler.ParseFormat(cfg.WiretapFormat)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, handler.NewWiretap(logger, slog.LevelInfo, format))
	}

	return pipeline.New(pipeline.Options{
		Negotiator:  neg,
		IdleTimeout: cfg.IdleTimeout,
		Relay: relay.Config{
			Policy:       policy,
			QueueSize:    cfg.QueueSize,
			WriteTimeout: cfg.WriteTimeout,
		},
		Pool:    pool,
		Handler: handler.NewChain(hooks...),
		Metrics: m,
		Logger:  logger,
	}), nil
}

func newChecker(cfg mecho.Config, server *tcp.Server, pool *buffer.Pool, m *metrics.Metrics) *health.Checker {
	checker := health.NewChecker(10 * time.Second)
	checker.RegisterCritical("listener", health.Listening(server.Addr))
	checker.Register("goroutines", health.Goroutines(cfg.MaxGoroutines, func(n int) {
		m.GoroutinesActive.WithLabelValues("all").Set(float64(n))
	}))
	checker.Register("memory", health.Memory(func(heap, sys uint64) {
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(heap))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(sys))
	}))
	checker.Register("buffers", health.Buffers(pool.Outstanding, cfg.MaxBuffers))
	return checker
}

// serveObservability serves metrics and health probes until ctx is done.
func serveObservability(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})

	logger.Info("Starting observability server", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

// newLogger creates a structured logger with the specified level and format.
func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
