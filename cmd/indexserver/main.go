package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TeoSlayer/topicbus/pkg/config"
	"github.com/TeoSlayer/topicbus/pkg/indexserver"
	"github.com/TeoSlayer/topicbus/pkg/logging"
	"github.com/TeoSlayer/topicbus/pkg/registry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	ip := flag.String("indexing-server-ip", "127.0.0.1", "listen IP")
	port := flag.Int("indexing-server-port", 5000, "listen port")
	storePath := flag.String("store", "", "path to persist registered peers (JSON snapshot)")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for /metrics and /api/stats (empty = disabled)")
	idleTimeout := flag.Duration("idle-timeout", 0, "close connections idle this long (0 = never)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	logFile := flag.String("log-file", "", "also append logs to this file")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		config.ApplyToFlags(cfg)
	}

	if *logFile != "" {
		f, err := logging.SetupFile(*logFile, *logLevel, *logFormat)
		if err != nil {
			log.Fatalf("log file: %v", err)
		}
		defer f.Close()
	} else {
		logging.Setup(*logLevel, *logFormat)
	}

	s := indexserver.New(registry.NewWithStore(*storePath))
	s.SetIdleTimeout(*idleTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s, net.JoinHostPort(*ip, strconv.Itoa(*port)), *metricsAddr); err != nil {
		slog.Error("indexing server exited", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or a server fails, then shuts
// everything down.
func run(ctx context.Context, s *indexserver.Server, addr, metricsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.ListenAndServe(addr)
	})

	var httpSrv *http.Server
	if metricsAddr != "" {
		httpSrv = &http.Server{
			Addr:              metricsAddr,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", metricsAddr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		if httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}
		return s.Close()
	})

	return g.Wait()
}
