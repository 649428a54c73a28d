// Package transport provides the byte streams the protocol channel runs on:
// plain TCP, or WebSocket frames carrying the same bytes.
package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Schemes understood by Dial and Listen.
const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
)

// DefaultWSPath is the upgrade path used when a ws:// address has none.
const DefaultWSPath = "/agent"

// Endpoint is a parsed transport address.
type Endpoint struct {
	Scheme string
	Host   string // host:port
	Path   string // only for ws
}

// ParseAddr normalizes an address into an Endpoint. A bare host:port is TCP.
func ParseAddr(addr string) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Endpoint{}, fmt.Errorf("empty address")
	}

	if !strings.Contains(addr, "://") {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Endpoint{}, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		return Endpoint{Scheme: SchemeTCP, Host: addr}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	switch u.Scheme {
	case SchemeTCP:
		return Endpoint{Scheme: SchemeTCP, Host: u.Host}, nil
	case SchemeWS, "http":
		path := u.Path
		if path == "" || path == "/" {
			path = DefaultWSPath
		}
		return Endpoint{Scheme: SchemeWS, Host: u.Host, Path: path}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, addr)
	}
}

// String renders the endpoint in a form ParseAddr accepts.
func (e Endpoint) String() string {
	if e.Scheme == SchemeWS {
		return (&url.URL{Scheme: SchemeWS, Host: e.Host, Path: e.Path}).String()
	}
	return e.Host
}

// withHost returns a copy of e listening on the concrete host:port of addr.
func (e Endpoint) withHost(addr net.Addr) Endpoint {
	e.Host = advertisedHost(addr.String())
	return e
}

// advertisedHost replaces wildcard listen hosts with something a peer can
// dial.
func advertisedHost(hostPort string) string {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if ip := guessLocalIPv4(); ip != "" {
			host = ip
		} else {
			host = "localhost"
		}
	}
	return net.JoinHostPort(host, port)
}

func guessLocalIPv4() string {
	ifs, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifs {
		if (iface.Flags&net.FlagUp) == 0 || (iface.Flags&net.FlagLoopback) != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				ip := ipnet.IP.To4()
				if ip != nil && !ip.IsLoopback() {
					return ip.String()
				}
			}
		}
	}
	return ""
}
