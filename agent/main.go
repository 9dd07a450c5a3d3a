// Command agent runs a client sync agent for a browser editor. The page at /
// talks to the agent over /ws; the agent keeps it in step with one broker
// session and regenerates code after every change. With -watch it instead
// follows a session's Redis feed and prints the generated code, and with
// -discover it lists the brokers answering on the local network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"blockcollab/broker"
	"blockcollab/codegen"
	"blockcollab/config"
	"blockcollab/discovery"
	"blockcollab/store"
	"blockcollab/syncagent"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to the YAML config file")
	session := flag.String("session", "", "session to join (overrides the config)")
	watchMode := flag.Bool("watch", false, "print the generated code of every accepted snapshot from Redis")
	discoverMode := flag.Bool("discover", false, "list the brokers advertised over mDNS and exit")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *session != "" {
		cfg.Session = *session
	}
	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *discoverMode:
		err = runDiscover(ctx, cfg, os.Stdout, logger)
	case *watchMode:
		err = runWatch(ctx, cfg, os.Stdout, logger)
	default:
		err = run(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	serverURL, err := resolveServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = syncagent.NewClientID()
	}
	transport, err := syncagent.NewWSTransport(serverURL, cfg.Session, clientID,
		syncagent.WithTransportLogger(logger.With("component", "transport")))
	if err != nil {
		return err
	}

	pages := newUIHub(logger.With("component", "ui"))
	opts := []syncagent.Option{
		syncagent.WithLogger(logger.With("component", "agent")),
		syncagent.WithArtifactHandler(pages.showArtifact),
	}

	saver, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if saver != nil {
		opts = append(opts, syncagent.WithStore(saver))
	}

	if cfg.DraftsPath != "" {
		drafts, err := syncagent.OpenDrafts(cfg.DraftsPath)
		if err != nil {
			return err
		}
		defer drafts.Close()
		opts = append(opts, syncagent.WithDrafts(drafts))
	}

	agent := syncagent.New(cfg.Session, clientID, pages, transport, opts...)
	pages.onEdit = agent.NotifyEdit

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: newRouter(&api{
			agent:   agent,
			userID:  cfg.UserID,
			timeout: cfg.Store.Timeout,
			logger:  logger.With("component", "api"),
		}, pages, cfg.UIDir),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pages.run(ctx)
		return nil
	})
	g.Go(func() error { return agent.Run(ctx) })
	g.Go(func() error {
		logger.Info("agent running", "addr", cfg.Addr, "server", serverURL, "session", cfg.Session, "client", clientID)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// resolveServer returns the configured broker address, or browses mDNS for
// one when none is configured.
func resolveServer(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) (string, error) {
	if cfg.ServerURL != "" {
		return cfg.ServerURL, nil
	}
	if cfg.Discovery.Disabled {
		return "", errors.New("no server_url configured and discovery is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Discovery.Timeout)
	defer cancel()
	peer, err := discovery.Find(ctx, logger.With("component", "discovery"))
	if err != nil {
		return "", fmt.Errorf("find broker: %w", err)
	}
	return peer.URL(), nil
}

func runDiscover(ctx context.Context, cfg *config.AgentConfig, out io.Writer, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Discovery.Timeout)
	defer cancel()
	peers, err := discovery.Browse(ctx, logger.With("component", "discovery"))
	if err != nil {
		return err
	}
	printPeers(out, peers)
	return nil
}

func printPeers(out io.Writer, peers []discovery.Peer) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "no brokers found")
		return
	}
	for _, p := range peers {
		fmt.Fprintf(out, "%s\t%s", p.Instance, p.URL())
		if path := p.Text["path"]; path != "" {
			fmt.Fprintf(out, "\tws=%s", path)
		}
		fmt.Fprintln(out)
	}
}

// openStore builds the saver for cfg. A nil saver means saving is off.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*store.Saver, func(), error) {
	var (
		st     store.Store
		tokens store.TokenSource = store.StaticToken("local")
		closer                   = func() {}
	)
	switch cfg.Kind {
	case "none":
		return nil, closer, nil
	case "http":
		st = store.NewHTTPStore(cfg.BaseURL, store.WithHTTPLogger(logger.With("component", "store")))
		tokens = store.EnvToken(cfg.TokenEnv)
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		st, closer = s, func() { s.Close() }
	case "postgres":
		p, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st, closer = p, p.Close
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
	logger.Info("saving enabled", "store", cfg.Kind)
	return store.NewSaver(st, tokens,
		store.WithRetries(cfg.Retries),
		store.WithInitialInterval(cfg.InitialInterval),
		store.WithSaverLogger(logger.With("component", "saver")),
	), closer, nil
}

// runWatch prints the code of the session's latest snapshot and of every
// later one published on its Redis feed.
func runWatch(ctx context.Context, cfg *config.AgentConfig, out io.Writer, logger *slog.Logger) error {
	if cfg.Redis.Addr == "" {
		return errors.New("watch mode needs redis.addr")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	feed := broker.NewRedisFeed(rdb,
		broker.WithKeyPrefix(cfg.Redis.KeyPrefix),
		broker.WithFeedLogger(logger.With("component", "feed")))
	return watch(ctx, feed, cfg.Session, out)
}

type watchFeed interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan broker.Message, error)
}

// watch prints every message of the feed. The feed starts with the stored
// latest message and skips ones that do not supersede what it sent.
func watch(ctx context.Context, feed watchFeed, sessionID string, out io.Writer) error {
	msgs, err := feed.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	for m := range msgs {
		printMessage(out, m)
	}
	return ctx.Err()
}

func printMessage(out io.Writer, m broker.Message) {
	fmt.Fprintf(out, "// session %s #%d from %s\n", m.SessionID, m.Sequence, m.OriginClientID)
	art, err := codegen.Generate(m.Snapshot)
	if err != nil {
		fmt.Fprintf(out, "// cannot generate: %v\n\n", err)
		return
	}
	for _, d := range art.Diagnostics {
		fmt.Fprintf(out, "// block %s (%s): %s\n", d.BlockID, d.BlockType, d.Message)
	}
	fmt.Fprintln(out, art.Source)
}
