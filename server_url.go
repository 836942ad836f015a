package main

import (
	"fmt"
	"net"
	"strings"
)

// advertisedEndpoints lists the URLs operators and viewers should use for
// the HTTP listener at address.
type advertisedEndpoints struct {
	Ops    string
	Viewer string
}

func advertise(address string, tlsEnabled bool) advertisedEndpoints {
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	hostPort := normaliseHostPort(address)
	return advertisedEndpoints{
		Ops:    fmt.Sprintf("%s://%s", httpScheme, hostPort),
		Viewer: fmt.Sprintf("%s://%s/ws", wsScheme, hostPort),
	}
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
