// Mnet — CLI entry point.
//
// This tool joins a node to a small broadcast mesh and runs a line-based
// chat over it: reliable in-order delivery to a named peer, best-effort
// broadcast to everyone, flood forwarding across nodes bridging several
// media.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-host, -link, -group, -hubUrl, -wsAddr, -wsUrl).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/ocmesh/mnet/internal/config"
	"github.com/ocmesh/mnet/internal/link"
	"github.com/ocmesh/mnet/internal/mesh"
	"github.com/ocmesh/mnet/internal/packet"
	"github.com/ocmesh/mnet/internal/signaling"
	"github.com/ocmesh/mnet/internal/util"
)

// Application ports: chat lines and ping probes.
const (
	chatPort = 1
	pingPort = 2
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host := flag.String("host", "", "Mesh address of this node (default: derived from hostname)")
	linkKind := flag.String("link", "", "Link: udp, hub, rtc-host or rtc-client")
	group := flag.String("group", "", "Multicast group for -link udp (default "+link.DefaultGroup+")")
	hubURL := flag.String("hubUrl", "", "Relay URL for -link hub (e.g. ws://relay:35078)")
	wsAddr := flag.String("wsAddr", ":0", "Signaling listen address for -link rtc-host")
	wsURL := flag.String("wsUrl", "", "Signaling URL for -link rtc-client")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Mnet — v%s", version))
	pterm.Println()

	cfg := config.Config{
		Host:   *host,
		Link:   config.LinkKind(*linkKind),
		Group:  *group,
		HubURL: *hubURL,
		WSAddr: *wsAddr,
		WSURL:  *wsURL,
	}
	if cfg.Host == "" {
		cfg.Host = util.DefaultHost()
	}

	switch cfg.Link {
	case "":
		// No -link flag → interactive mode.
		runInteractive(ctx, &cfg)

	case config.LinkUDP, config.LinkHub, config.LinkRTCHost, config.LinkRTCClient:
		if err := validate(&cfg); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

	default:
		util.LogError("invalid -link: must be udp, hub, rtc-host or rtc-client")
		os.Exit(1)
	}

	runNode(ctx, &cfg)
	util.LogInfo("node shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -link flag is
// provided.
func runInteractive(ctx context.Context, cfg *config.Config) {
	kind, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"UDP        — multicast group on this LAN",
			"Hub        — WebSocket relay",
			"RTC host   — direct WebRTC, this side waits",
			"RTC client — direct WebRTC, this side dials",
		}).
		WithDefaultText("Select the link to join").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(kind, "UDP"):
		cfg.Link = config.LinkUDP
	case strings.HasPrefix(kind, "Hub"):
		cfg.Link = config.LinkHub
		cfg.HubURL = askURL("Relay URL (e.g. ws://relay:35078)")
	case strings.HasPrefix(kind, "RTC host"):
		cfg.Link = config.LinkRTCHost
	default:
		cfg.Link = config.LinkRTCClient
		// Kept verbatim: the URL carries the host's PIN as a query
		// parameter.
		cfg.WSURL = askText("Signaling URL shown by the RTC host")
	}
}

// runNode opens the configured link, attaches an endpoint and serves the
// chat until ctx is cancelled.
func runNode(ctx context.Context, cfg *config.Config) {
	l, err := openLink(ctx, cfg)
	if err != nil {
		util.LogError("failed to open link: %v", err)
		os.Exit(1)
	}
	defer l.Close()

	ep := mesh.New(cfg.Host, mesh.DefaultConfig(), l)
	defer ep.Close()
	ep.OnConnectionLost(func(host string, sequence uint32, port uint16, payload []byte) {
		util.LogWarning("message #%d to %s was lost: %q", sequence, host, payload)
	})

	util.StartStatsReporter(ctx)
	util.LogSuccess("joined the mesh as %q — type '<host> <message>' to talk, '* <message>' to broadcast", cfg.Host)

	go readInput(ctx, ep)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m, err := ep.Receive(250 * time.Millisecond)
		if err != nil {
			return
		}
		if m != nil {
			switch m.Port {
			case chatPort:
				pterm.Printfln("%s %s", pterm.Cyan(m.Host+":"), string(m.Data))
			default:
				util.LogDebug("message from %s on port %d: %q", m.Host, m.Port, m.Data)
			}
		}
	}
}

// readInput turns stdin lines into sends: "<host> <message>" goes reliable,
// "* <message>" is a best-effort broadcast, "/ping <host>" measures the
// round trip to a peer's acknowledgment.
func readInput(ctx context.Context, ep *mesh.Endpoint) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if dest, ok := strings.CutPrefix(line, "/ping "); ok {
			go ping(ep, strings.TrimSpace(dest))
			continue
		}
		dest, text, ok := strings.Cut(line, " ")
		if !ok {
			util.LogWarning("usage: <host> <message>, or /ping <host>")
			continue
		}
		reliable := dest != packet.BroadcastHost
		if _, err := ep.Send(dest, chatPort, []byte(text), reliable); err != nil {
			util.LogError("send to %s failed: %v", dest, err)
		}
	}
}

// ping sends one reliable probe and reports the time to its acknowledgment.
func ping(ep *mesh.Endpoint, dest string) {
	start := time.Now()
	if err := ep.SendWait(dest, pingPort, []byte("ping")); err != nil {
		util.LogWarning("ping %s: %v", dest, err)
		return
	}
	util.LogInfo("ping %s: acked in %v", dest, time.Since(start).Round(time.Millisecond))
}

// openLink attaches to the medium named by the configuration.
func openLink(ctx context.Context, cfg *config.Config) (link.Link, error) {
	switch cfg.Link {
	case config.LinkUDP:
		return link.ListenUDP(cfg.Group)
	case config.LinkHub:
		return link.DialHub(ctx, cfg.HubURL)
	case config.LinkRTCHost:
		return signaling.EstablishAsHost(ctx, cfg.WSAddr)
	case config.LinkRTCClient:
		return signaling.EstablishAsClient(ctx, cfg.WSURL)
	}
	return nil, fmt.Errorf("unknown link kind %q", cfg.Link)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// validate checks the flag combination for the chosen link kind.
func validate(cfg *config.Config) error {
	switch cfg.Link {
	case config.LinkHub:
		if cfg.HubURL == "" {
			return fmt.Errorf("missing -hubUrl for -link hub")
		}
		u, err := normalizeWSURL(cfg.HubURL)
		if err != nil {
			return err
		}
		cfg.HubURL = u
	case config.LinkRTCClient:
		if cfg.WSURL == "" {
			return fmt.Errorf("missing -wsUrl for -link rtc-client")
		}
	}
	return nil
}

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askText prompts until a non-empty line is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if s := strings.TrimSpace(raw); s != "" {
			pterm.Println()
			return s
		}
	}
}

// askURL prompts the user for a WebSocket URL until a valid one is entered.
func askURL(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
