// Mnet-hub — WebSocket relay entry point.
//
// The relay bridges mesh nodes that share no common medium: every binary
// frame received from one node is fanned out verbatim to all others. It
// keeps no protocol state, so any number of nodes can come and go.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/ocmesh/mnet/internal/hub"
	"github.com/ocmesh/mnet/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", ":35078", "Listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Mnet-hub — v%s", version))

	srv := hub.NewServer()
	port, err := srv.Start(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer srv.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("relay listening on port %d — nodes join with ws://<this-host>:%d/ws", port, port)

	<-ctx.Done()
	util.LogInfo("relay shut down")
}
