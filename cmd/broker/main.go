// Command broker runs the topic-scoped publish/subscribe broker.
//
// Usage:
//
//	broker [port]
//
// The port defaults to BROKER_PORT (5000). Every other setting comes from
// BROKER_* environment variables, optionally loaded from a .env file.
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/topicbroker/internal/broker"
	"github.com/dreamware/topicbroker/internal/config"
	"github.com/dreamware/topicbroker/internal/logger"
	"github.com/dreamware/topicbroker/internal/registry"
)

var logFatal = log.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil {
		logFatal("broker: %v", err)
	}
}

// run loads configuration, opens the listeners and serves until ctx is
// cancelled.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	port, ok, err := config.ParsePortArg(args)
	if err != nil {
		return err
	}
	if ok {
		cfg.Port = port
	}

	lg, err := logger.New(stderr, cfg.LoggerOptions())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return err
	}

	var adminLn net.Listener
	if cfg.AdminAddr != "" {
		if adminLn, err = net.Listen("tcp", cfg.AdminAddr); err != nil {
			_ = ln.Close()
			return err
		}
	}

	return serve(ctx, cfg, ln, adminLn, lg)
}

// serve runs the broker on ln and, when adminLn is not nil, the admin HTTP
// API on adminLn. It returns after both have shut down.
func serve(ctx context.Context, cfg config.Config, ln, adminLn net.Listener, lg *slog.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reg := registry.New()
	stats := broker.NewTopicStats()
	srv := broker.NewServer(reg,
		broker.WithLogger(lg),
		broker.WithMetrics(broker.NewMetrics(promReg)),
		broker.WithTopicStats(stats),
		broker.WithWriteTimeout(cfg.WriteTimeout),
		broker.WithMaxFrameSize(cfg.MaxFrameSize),
	)
	reporter := broker.NewStatusReporter(reg, cfg.StatusInterval,
		broker.WithLogger(lg),
		broker.WithTopicStats(stats),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(gctx, ln); !errors.Is(err, broker.ErrServerClosed) {
			return err
		}
		return nil
	})

	var httpSrv *http.Server
	if adminLn != nil {
		admin := newAdminServer(gctx, srv, promReg, lg, cfg)
		httpSrv = &http.Server{
			Handler:           admin.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			lg.Info("admin listening", slog.String("addr", adminLn.Addr().String()))
			if err := httpSrv.Serve(adminLn); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.StatusInterval > 0 {
		g.Go(func() error {
			reporter.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if httpSrv != nil {
			err = multierr.Append(err, httpSrv.Shutdown(shutdownCtx))
		}
		reporter.Stop()
		return err
	})

	err := g.Wait()
	lg.Info("broker stopped", logger.Error(err))
	return err
}
