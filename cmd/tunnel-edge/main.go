// Command tunnel-edge runs the publicly reachable half of the tunnel:
// the HTTP(S) listener that accepts agent control channels and
// dispatches public requests to whichever agent is registered for the
// incoming Host and path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaytunnel/webtunnel/internal/config"
	"github.com/relaytunnel/webtunnel/internal/edge"
	"github.com/relaytunnel/webtunnel/internal/tunlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := edge.LoadConfig()

	v := config.New()
	level := tunlog.ParseLevel(config.BindString(v, "LOG_LEVEL", ""))
	if config.BindBool(v, "DEBUG", false) && level < tunlog.LevelDebug {
		level = tunlog.LevelDebug
	}
	log := tunlog.New("edge", level)

	if cfg.SecretKey == "" || cfg.VerifyToken == "" {
		fmt.Fprintln(os.Stderr, "tunnel-edge: SECRET_KEY and VERIFY_TOKEN must be set")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := edge.New(cfg, log)
	if err := s.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("%s", err)
		return 1
	}
	return 0
}
