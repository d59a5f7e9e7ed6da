// Command heatlink runs the source fetch engine: it loads configuration,
// builds the cache/proxy/adapter/scheduler stack, and serves the optional
// control-plane HTTP API until it receives a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/heatlink/fetchengine/internal/config"
	"github.com/heatlink/fetchengine/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build application failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "application run failed: %v\n", err)
		os.Exit(1)
	}
}
