// Command tunnel-agent runs the privately located half of the tunnel:
// it opens one control channel to the configured edge server and
// replays every tunneled request against a local origin server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaytunnel/webtunnel/internal/agent"
	"github.com/relaytunnel/webtunnel/internal/config"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := agent.LoadConfig()

	v := config.New()
	level := tunlog.ParseLevel(config.BindString(v, "LOG_LEVEL", ""))
	if config.BindBool(v, "DEBUG", false) && level < tunlog.LevelDebug {
		level = tunlog.LevelDebug
	}
	log := tunlog.New("agent", level)

	if cfg.ServerURL == "" || cfg.AuthToken == "" || cfg.LocalPort == 0 {
		fmt.Fprintln(os.Stderr, "tunnel-agent: TUNNEL_SERVER_URL, TUNNEL_AUTH_TOKEN, and LOCAL_PORT must be set")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := agent.NewClient(cfg, log)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("%s", err)
		return 1
	}
	return 0
}
