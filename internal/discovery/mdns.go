package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

// DefaultService is the DNS-SD service type advertised by the server.
const DefaultService = "_voicesession._tcp"

// Config describes what to advertise
type Config struct {
	Instance string
	Service  string
	Port     int
	Path     string
}

// Advertiser publishes the websocket endpoint over mDNS
type Advertiser struct {
	server *mdns.Server
	logger *zap.Logger
}

// Endpoint is a discovered server
type Endpoint struct {
	Name string
	Host string
	Port int
	Path string
}

// URL returns the websocket URL of the endpoint
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(e.Host, fmt.Sprint(e.Port)), path)
}

func newService(cfg Config, ips []net.IP) (*mdns.MDNSService, error) {
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}
	instance := cfg.Instance
	if instance == "" {
		instance = "voice-session"
	}

	return mdns.NewMDNSService(
		instance,
		service,
		"",
		"",
		cfg.Port,
		ips,
		[]string{"path=" + cfg.Path},
	)
}

// Advertise starts answering mDNS queries for the service until Shutdown.
func Advertise(cfg Config, logger *zap.Logger) (*Advertiser, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := newService(cfg, ips)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns server: %w", err)
	}

	logger.Info("Advertising mDNS service",
		zap.String("instance", service.Instance),
		zap.String("service", service.Service),
		zap.Int("port", cfg.Port),
		zap.String("path", cfg.Path),
	)

	return &Advertiser{server: server, logger: logger}, nil
}

// Shutdown stops advertising
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.logger.Info("Stopping mDNS advertisement")
	return a.server.Shutdown()
}

// Browse queries the local network for service and returns what answered
// within timeout.
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Endpoint, error) {
	if service == "" {
		service = DefaultService
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	found := make(chan []Endpoint, 1)

	go func() {
		var endpoints []Endpoint
		seen := make(map[string]bool)
		for entry := range entries {
			if !strings.Contains(entry.Name, service) {
				continue
			}
			ep := endpointFromEntry(entry)
			if ep.Host == "" || seen[ep.URL()] {
				continue
			}
			seen[ep.URL()] = true
			endpoints = append(endpoints, ep)
		}
		found <- endpoints
	}()

	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	queryErr := make(chan error, 1)
	go func() {
		queryErr <- mdns.Query(params)
		close(entries)
	}()

	select {
	case err := <-queryErr:
		endpoints := <-found
		if err != nil {
			return endpoints, fmt.Errorf("mdns query failed: %w", err)
		}
		return endpoints, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func endpointFromEntry(entry *mdns.ServiceEntry) Endpoint {
	ep := Endpoint{Name: entry.Name, Port: entry.Port}
	switch {
	case entry.AddrV4 != nil:
		ep.Host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		ep.Host = entry.AddrV6.String()
	default:
		ep.Host = strings.TrimSuffix(entry.Host, ".")
	}
	for _, field := range entry.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok {
			ep.Path = v
		}
	}
	return ep
}

// localIPs returns non-loopback IPv4 addresses of interfaces that are up
func localIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	if len(ips) == 0 {
		ips = append(ips, net.IPv4(127, 0, 0, 1))
	}
	return ips, nil
}
