// Package discovery advertises and locates a notifier broker on the
// local network via mDNS, so a demo binary can hand pubsub.NewPublisher
// / pubsub.NewEventHandler a (host, port) obtained from outside the
// core, per spec.md's "address is passed in from outside the core".
package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_notifier-broker._tcp"
	domain      = "local."
)

// Advertise registers a notifier broker listening on port under the
// given instance name. The returned io.Closer stops the advertisement.
func Advertise(port int, instance string) (io.Closer, error) {
	if port <= 0 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}

	if instance == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "notifier-broker"
		}
		instance = sanitize(hostname)
	}

	server, err := zeroconf.Register(instance, serviceType, domain, port, []string{"proto=v1"}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	return closerFunc(server.Shutdown), nil
}

// Find resolves the first notifier broker advertised on the LAN and
// returns a dialable "host:port" address.
func Find(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("discovery: new resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return "", fmt.Errorf("discovery: browse: %w", err)
	}

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return "", fmt.Errorf("discovery: no notifier broker found")
		}
		return formatAddr(entry), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func formatAddr(entry *zeroconf.ServiceEntry) string {
	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(entry.Port))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' {
			return '-'
		}
		return r
	}, s)
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
