// Online tunnel server.
//
// Exposes a WebSocket control endpoint where tunnel clients register, assigns
// each one a public TCP port from a bounded range, and forwards HTTP traffic
// arriving on that port through the client's control channel.
//
// Configuration comes from ONLINE_* environment variables, overridden by CLI
// flags (--listen, --port-range, --request-timeout, --max-clients).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/onlinecli/online/internal/config"
	"github.com/onlinecli/online/internal/server"
	"github.com/onlinecli/online/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Environment first; flags default to the loaded values, so anything
	// set on the command line wins.
	cfg, err := config.LoadServer()
	if err != nil {
		util.LogError("invalid environment: %v", err)
		os.Exit(1)
	}

	listen := flag.String("listen", cfg.Listen, "Control listen address (HOST:PORT)")
	portRange := flag.String("port-range", cfg.PortRange(), "Public port range (MIN-MAX)")
	requestTimeout := flag.Int("request-timeout", cfg.RequestTimeout, "Per-request timeout in seconds")
	maxClients := flag.Int("max-clients", cfg.MaxClients, "Maximum concurrent clients (0 = port range only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg.Listen = *listen
	cfg.RequestTimeout = *requestTimeout
	cfg.MaxClients = *maxClients
	if err := cfg.SetPortRange(*portRange); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Online tunnel server — v%s", version))
	pterm.Println()

	srv := server.New(cfg)
	if err := srv.Start(); err != nil {
		util.LogError("%v", err)
		if errors.Is(err, server.ErrBindFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)

	if err := srv.Run(ctx); err != nil {
		util.LogError("server failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("server stopped")
}
