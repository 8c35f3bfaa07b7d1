// Online tunnel client.
//
// Connects out to a tunnel server, registers, and prints the public URL the
// server assigned. Every HTTP request hitting that URL is replayed against
// the local service on --port and the response is shipped back through the
// tunnel. Lost connections are re-established automatically.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/onlinecli/online/internal/client"
	"github.com/onlinecli/online/internal/config"
	"github.com/onlinecli/online/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		util.LogError("invalid environment: %v", err)
		os.Exit(1)
	}

	port := flag.Int("port", cfg.LocalPort, "Local port to expose (1~65535)")
	serverURL := flag.String("server", cfg.Server, "Tunnel server URL (ws://, wss://, http:// or https://)")
	localHost := flag.String("local-host", cfg.LocalHost, "Host the local service listens on")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg.LocalPort = *port
	cfg.Server = *serverURL
	cfg.LocalHost = *localHost
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	wsURL, err := client.NormalizeServerURL(cfg.Server)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Online tunnel client — v%s", version))
	pterm.Println()

	util.StartStatsReporter(ctx)

	fwd := client.New(client.Config{
		ServerURL:    wsURL,
		LocalURL:     cfg.LocalBaseURL(),
		LocalTimeout: client.DefaultLocalTimeout,
	})

	if err := fwd.Run(ctx); err != nil {
		if errors.Is(err, client.ErrGiveUp) {
			util.LogError("giving up: %v", err)
			os.Exit(2)
		}
		util.LogError("tunnel failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("tunnel closed")
}
