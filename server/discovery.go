package server

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_collab._tcp"

// Advertise registers the server as an mDNS service on the local network
// so LAN peers can discover it without configuration. The returned
// function deregisters.
func Advertise(port int, log *slog.Logger) (func(), error) {
	host, err := os.Hostname()
	if err != nil {
		host = "collab"
	}
	srv, err := zeroconf.Register(
		fmt.Sprintf("collab-%s", host),
		mdnsService,
		"local.",
		port,
		[]string{"proto=1"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Info("mdns service registered", "service", mdnsService, "port", port)
	return srv.Shutdown, nil
}
