// Command mupc connects to a mupd server, sends one ui-request and prints
// the returned component tree as JSON. With -watch it stays connected and
// prints the tree after every update.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/HsiangNianian/mup/internal/client"
	"github.com/HsiangNianian/mup/internal/config"
	"github.com/HsiangNianian/mup/internal/observability"
	"github.com/HsiangNianian/mup/internal/protocol"
)

func main() {
	configPath := flag.String("config", os.Getenv("MUP_CONFIG"), "config file (.json, .jsonc, .hujson, .yaml, .yml or .toml)")
	url := flag.String("url", "", "server URL, overrides client.url")
	intent := flag.String("intent", "home", "intent of the ui-request")
	action := flag.String("action", "", "routed action for the ui-request")
	watch := flag.Bool("watch", false, "stay connected and print every component update")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mupc: %v\n", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	logger := observability.NewLogger("mupc", cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	req := protocol.UIRequest{Intent: *intent, Action: *action}
	if err := run(ctx, cfg.Client, req, *watch, os.Stdout, logger); err != nil {
		logger.Error().Err(err).Msg("mupc failed")
		os.Exit(1)
	}
}

func clientConfig(cfg config.ClientConfig) client.Config {
	cc := client.DefaultConfig()
	cc.URL = cfg.URL
	cc.ClientID = cfg.ClientID
	cc.AutoReconnect = cfg.AutoReconnect
	cc.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	cc.ReconnectDelay = cfg.ReconnectDelay.Std()
	cc.ReconnectGrowth = cfg.ReconnectGrowth
	cc.MaxReconnectDelay = cfg.MaxReconnectDelay.Std()
	cc.HeartbeatInterval = cfg.HeartbeatInterval.Std()
	cc.RequestTimeout = cfg.RequestTimeout.Std()
	if cfg.Token != "" || cfg.APIKey != "" {
		cc.Credentials = &protocol.Credentials{Token: cfg.Token, APIKey: cfg.APIKey}
	}
	return cc
}

func run(ctx context.Context, cfg config.ClientConfig, req protocol.UIRequest, watch bool, out io.Writer, logger zerolog.Logger) error {
	c := client.New(clientConfig(cfg), client.WithLogger(logger))
	c.OnStateChange(func(ch client.StateChange) {
		ev := logger.Debug().Str("from", ch.From.String()).Str("to", ch.To.String())
		if ch.To == client.StateReconnecting {
			ev = ev.Int("attempt", ch.Attempt).Dur("delay", ch.Delay)
		}
		ev.Err(ch.Err).Msg("connection state changed")
	})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	defer func() { _ = c.Disconnect() }()
	logger.Info().Str("session_id", c.SessionID()).Strs("capabilities", c.ServerCapabilities()).Msg("connected")

	res, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if err := printTree(out, res.Component); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	updates := make(chan struct{}, 1)
	unsubscribe := c.OnMessage(func(m protocol.Message) {
		if m.Kind() != protocol.KindComponentUpdate {
			return
		}
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updates:
			if err := printTree(out, c.Tree().Root()); err != nil {
				return err
			}
		}
	}
}

func printTree(out io.Writer, root any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(root)
}
