// camtun is a network-edge tunnel client.
//
// Discovers RTSP/HTTP/MJPEG services on the local network and exposes them
// to a cloud relay through one persistent encrypted websocket connection,
// multiplexing relay-initiated sessions over it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/camtun/camtun/internal/app"
	"github.com/camtun/camtun/internal/config"
	"github.com/camtun/camtun/internal/util"
)

func main() {
	var (
		relay      = flag.String("relay", "", "relay host[:port] to connect to (required)")
		serverName = flag.String("server-name", "", "TLS server name override for relay verification")
		ranges     = flag.String("scan", "", "comma-separated CIDR ranges to probe for services")
		interval   = flag.Duration("scan-interval", 5*time.Minute, "time between discovery cycles")
		mdns       = flag.Bool("mdns", true, "browse mDNS announcements during discovery")
		ssdp       = flag.Bool("ssdp", true, "search SSDP/UPnP devices during discovery")
		stateFile  = flag.String("state", "camtun-state.json", "path of the persisted identity/table file")
		maxSess    = flag.Int("max-sessions", 64, "global cap on concurrently open sessions")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *debug {
		util.EnableDebug()
	}
	if *relay == "" {
		fmt.Fprintln(os.Stderr, "camtun: -relay is required")
		flag.Usage()
		os.Exit(2)
	}

	host, port := splitRelay(*relay)
	cfg := config.Config{
		RelayHost:    host,
		RelayPort:    port,
		ServerName:   *serverName,
		ScanInterval: *interval,
		EnableMDNS:   *mdns,
		EnableSSDP:   *ssdp,
		StateFile:    *stateFile,
		MaxSessions:  *maxSess,
	}
	if *ranges != "" {
		cfg.ScanRanges = strings.Split(*ranges, ",")
	}

	// Root context, cancelled on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "camtun: %v\n", err)
		os.Exit(1)
	}
}

// splitRelay parses host[:port], defaulting the port. Bare IPv6 literals
// pass through as hosts; bracketed forms are unwrapped.
func splitRelay(s string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port (or a bare IPv6 literal): the whole thing is the host.
		return strings.Trim(s, "[]"), 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return strings.Trim(s, "[]"), 0
	}
	return host, uint16(port)
}
