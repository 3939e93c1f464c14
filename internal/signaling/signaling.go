package signaling

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/ocmesh/mnet/internal/link"
	"github.com/ocmesh/mnet/internal/util"
)

// pinLength is the size of the numeric PIN guarding the signaling server.
const pinLength = 4

// EstablishAsHost executes the full host-side signaling flow:
//  1. Start a WS server on wsAddr (":0" for a random port)
//  2. Print the port and PIN for the peer
//  3. Wait for the peer to connect
//  4. Create the RTC link and perform the SDP/ICE exchange
//  5. Close the WS server and connection
//  6. Return the ready link
func EstablishAsHost(ctx context.Context, wsAddr string) (*link.RTC, error) {
	pin := generatePIN(pinLength)
	srv := newServer(pin)
	wsPort, err := srv.start(wsAddr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.Info.Printfln("signaling server listening on port %d (PIN %s)", wsPort, pin)
	pterm.Info.Printfln("peer connects with: ws://<this-host>:%d/ws?pin=%s", wsPort, pin)
	pterm.Println()
	util.LogInfo("waiting for peer...")

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for peer: %w", err)
	}
	defer wsConn.Close()
	util.LogDebug("peer connected")

	r, err := link.NewRTC(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTC link: %w", err)
	}

	if err := hostExchange(wsConn, r); err != nil {
		r.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	}
	util.LogDebug("WebRTC DataChannel established, closing WS")
	return r, nil
}

// EstablishAsClient executes the full client-side signaling flow: connect to
// the host's WS server, create the RTC link, perform the SDP/ICE exchange
// and return the ready link.
func EstablishAsClient(ctx context.Context, wsURL string) (*link.RTC, error) {
	util.LogInfo("connecting to peer...")
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	r, err := link.NewRTC(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTC link: %w", err)
	}

	if err := clientExchange(wsConn, r); err != nil {
		r.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	}
	util.LogDebug("WebRTC DataChannel established, closing WS")
	return r, nil
}
