// Command server hosts the session broker. Editors reach it over websockets
// at /ws/{session}; accepted snapshots are mirrored to Redis when configured
// and the host announces itself over mDNS so agents on the LAN can find it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"blockcollab/broker"
	"blockcollab/config"
	"blockcollab/discovery"
	"blockcollab/hub"
)

func main() {
	configPath := flag.String("config", "server.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	opts := []broker.Option{broker.WithLogger(logger.With("component", "broker"))}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
		opts = append(opts, broker.WithFeed(broker.NewRedisFeed(rdb,
			broker.WithKeyPrefix(cfg.Redis.KeyPrefix),
			broker.WithLatestTTL(cfg.Redis.LatestTTL),
			broker.WithFeedLogger(logger.With("component", "feed")),
		)))
	}
	b := broker.New(opts...)

	hubOpts := []hub.Option{
		hub.WithLogger(logger.With("component", "hub")),
		hub.WithOutboxLimit(cfg.OutboxLimit),
	}
	if len(cfg.AllowedOrigins) > 0 {
		hubOpts = append(hubOpts, hub.WithCheckOrigin(allowOrigins(cfg.AllowedOrigins)))
	}
	router := newRouter(b, hub.New(b, hubOpts...), logger)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sync server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if !cfg.Discovery.Disabled {
		g.Go(func() error {
			port := ln.Addr().(*net.TCPAddr).Port
			adv, err := discovery.Register(cfg.Discovery.Instance, port,
				map[string]string{"path": "/ws", "port": strconv.Itoa(port)},
				logger.With("component", "discovery"))
			if err != nil {
				// Agents can still be pointed at the server directly.
				logger.Warn("mDNS disabled", "error", err)
				return nil
			}
			<-ctx.Done()
			adv.Shutdown()
			return nil
		})
	}
	return g.Wait()
}

func allowOrigins(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
