// Agent Client - keeps a local mirror of the agents running on a host
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/agent-client/internal/auth"
	"github.com/workspace/agent-client/internal/cache"
	"github.com/workspace/agent-client/internal/config"
	"github.com/workspace/agent-client/internal/connection"
	"github.com/workspace/agent-client/internal/errorreport"
	"github.com/workspace/agent-client/internal/logging"
	"github.com/workspace/agent-client/internal/session"
	"github.com/workspace/agent-client/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:           "agent-client",
	Short:         "Mirror and drive the agents running on a host",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	return cfg, nil
}

// client is everything one command needs to talk to the host.
type client struct {
	cfg       *config.Config
	cache     *cache.Store
	reporter  *errorreport.Reporter
	verifier  *auth.Verifier
	manager   *session.Manager
	store     *session.Store
	transport *transport.Client
}

func openCache(path string) (*cache.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return cache.Open(path)
}

func connect(ctx context.Context, cfg *config.Config, player *filePlayer) (*client, error) {
	c := &client{cfg: cfg}

	if cfg.JWKSURL != "" && cfg.AccessToken != "" {
		host := ""
		if u, err := url.Parse(cfg.HostURL); err == nil {
			host = u.Hostname()
		}
		v, err := auth.NewVerifier(ctx, cfg.JWKSURL, host)
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
		c.verifier = v
		if _, err := v.Verify(cfg.AccessToken); err != nil {
			v.Close()
			return nil, fmt.Errorf("access token rejected: %w", err)
		}
	}

	store, err := openCache(cfg.CachePath)
	if err != nil {
		// The cache is best effort; run without it.
		slog.Warn("Cache: unavailable, continuing without it", "path", cfg.CachePath, "error", err)
	} else {
		c.cache = store
	}

	c.reporter = errorreport.New(cfg.TelemetryURL, cfg.ConnectionID, cfg.AccessToken, errorreport.Config{})
	c.reporter.Start()

	sinks := connection.MultiSink{logging.TransitionSink{Logger: logging.ForConnection(cfg.ConnectionID)}}
	opts := session.Options{
		Sink:                sinks,
		RequestTimeout:      cfg.RequestTimeout,
		AgentListRetries:    cfg.AgentListRetries,
		AgentListRetryDelay: cfg.AgentListRetryDelay,
	}
	if cfg.AgentListRetries == 0 {
		opts.AgentListRetries = -1
	}
	if c.reporter != nil {
		opts.Sink = append(sinks, c.reporter)
		opts.Reporter = c.reporter
	}
	if c.cache != nil {
		opts.Cache = c.cache
	}
	if player != nil {
		opts.Player = player
	}

	c.transport = transport.New(transport.Options{
		URL:             cfg.HostURL,
		Token:           cfg.AccessToken,
		MinDelay:        cfg.ReconnectMinDelay,
		MaxDelay:        cfg.ReconnectMaxDelay,
		PingInterval:    cfg.PingInterval,
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		Logger:          logging.ForConnection(cfg.ConnectionID),
	})
	c.manager = session.NewManager(opts)
	c.store = c.manager.Open(ctx, cfg.ConnectionID, c.transport.Send)
	c.transport.Attach(c.store)
	return c, nil
}

// run starts the transport in the background. The returned channel yields
// its terminal error.
func (c *client) run(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.transport.Run(ctx) }()
	return errCh
}

func (c *client) close() {
	c.manager.CloseAll()
	c.reporter.Shutdown()
	if c.verifier != nil {
		c.verifier.Close()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			slog.Warn("Cache: close failed", "error", err)
		}
	}
}

// waitReady blocks until the agent list for the current online period is
// in, the transport stops, or ctx is done.
func waitReady(ctx context.Context, store *session.Store, errCh <-chan error, timeout time.Duration) (session.State, error) {
	if st := store.Snapshot(); st.Connection.AgentListReady {
		return st, nil
	}
	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st := <-updates:
			if st.Connection.AgentListReady {
				return st, nil
			}
		case err := <-errCh:
			return store.Snapshot(), fmt.Errorf("connection closed: %w", err)
		case <-timer.C:
			return store.Snapshot(), fmt.Errorf("no agent list after %v", timeout)
		case <-ctx.Done():
			return store.Snapshot(), ctx.Err()
		}
	}
}
