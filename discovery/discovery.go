// Package discovery advertises a broker host on the local network over mDNS
// and lets agents find one when no server address is configured.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type of a broker host.
	Service = "_blockcollab._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
)

// ErrNotFound is returned by Find when no broker answered.
var ErrNotFound = errors.New("discovery: no broker found")

// Peer is a discovered broker host.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     map[string]string
}

// URL returns the peer's base http URL, preferring an IPv4 address.
func (p Peer) URL() string {
	host := strings.TrimSuffix(p.Host, ".")
	for _, ip := range p.Addrs {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	if host == "" && len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Advertiser is a registered mDNS service.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Register announces a broker host listening on port. The instance name
// defaults to "blockcollab-<hostname>".
func Register(instance string, port int, text map[string]string, logger *slog.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = "blockcollab-" + host
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, formatText(text), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", instance, err)
	}
	logger.Info("mDNS service registered", "instance", instance, "service", Service, "port", port)
	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown withdraws the announcement.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.logger.Info("mDNS service withdrawn")
}

// Browse collects broker hosts until ctx is done. Peers are sorted by
// instance name.
func Browse(ctx context.Context, logger *slog.Logger) ([]Peer, error) {
	return browse(ctx, logger, false)
}

// Find returns the first broker host that answers before ctx is done.
func Find(ctx context.Context, logger *slog.Logger) (Peer, error) {
	peers, err := browse(ctx, logger, true)
	if err != nil {
		return Peer{}, err
	}
	if len(peers) == 0 {
		return Peer{}, ErrNotFound
	}
	return peers[0], nil
}

func browse(ctx context.Context, logger *slog.Logger, first bool) ([]Peer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	seen := make(map[string]bool)
	var peers []Peer
	for {
		select {
		case <-ctx.Done():
			sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
			return peers, nil
		case e, ok := <-entries:
			if !ok {
				sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
				return peers, nil
			}
			if e == nil || seen[e.Instance] {
				continue
			}
			seen[e.Instance] = true
			p := Peer{
				Instance: e.Instance,
				Host:     e.HostName,
				Port:     e.Port,
				Addrs:    append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...),
				Text:     parseText(e.Text),
			}
			logger.Info("mDNS discovered broker", "instance", p.Instance, "url", p.URL())
			peers = append(peers, p)
			if first {
				return peers, nil
			}
		}
	}
}

func formatText(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	txt := make([]string, 0, len(keys))
	for _, k := range keys {
		txt = append(txt, k+"="+m[k])
	}
	return txt
}

func parseText(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			m[k] = v
		}
	}
	return m
}
