// Package discovery maps logical peer addresses (room codes and member ids) to LAN sockets over
// mDNS, and lists hosted rooms.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	logging "github.com/ipfs/go-log/v2"

	"skinparty/network"
)

var log = logging.Logger("discovery")

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_skinparty._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = network.ProtocolVersion
	// DefaultRefreshInterval is the background room scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
	// DefaultProbeTimeout bounds the collision check before advertising a room code.
	DefaultProbeTimeout = 750 * time.Millisecond

	RoleHost   = "host"
	RoleMember = "member"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	ProbeTimeout    time.Duration

	// DisplayName is published so room listings can show who hosts.
	DisplayName string
	// DeviceID identifies the advertising machine across restarts.
	DeviceID string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Entry is one advertised address seen on the LAN.
type Entry struct {
	Address     string
	Role        string
	DisplayName string
	DeviceID    string
	Version     int
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// HostPort returns a dialable endpoint, preferring the first IP address.
func (e Entry) HostPort() string {
	host := e.HostName
	if len(e.Addresses) > 0 {
		host = e.Addresses[0]
	}
	return net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(e.Port))
}

// Directory advertises and resolves logical addresses over mDNS. It implements
// network.Advertiser and network.Resolver.
type Directory struct {
	cfg Config

	mu    sync.Mutex
	local map[string]string
}

var (
	_ network.Advertiser = (*Directory)(nil)
	_ network.Resolver   = (*Directory)(nil)
)

// NewDirectory creates an mDNS directory.
func NewDirectory(config Config) *Directory {
	return &Directory{
		cfg:   config.withDefaults(),
		local: make(map[string]string),
	}
}

// RoleFor reports whether address is a room code or a member id.
func RoleFor(address string) string {
	if strings.Contains(address, "-") {
		return RoleMember
	}
	return RoleHost
}

// Advertise publishes address at port until the returned stop func is called. Room codes already
// answered on the LAN yield network.ErrAddressInUse.
func (d *Directory) Advertise(address string, port int) (func(), error) {
	if strings.TrimSpace(address) == "" {
		return nil, errors.New("address is required")
	}
	if port <= 0 {
		return nil, errors.New("port must be > 0")
	}

	d.mu.Lock()
	if _, exists := d.local[address]; exists {
		d.mu.Unlock()
		return nil, network.ErrAddressInUse
	}
	d.mu.Unlock()

	role := RoleFor(address)
	if role == RoleHost {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ProbeTimeout)
		_, err := d.browseFor(ctx, address)
		cancel()
		if err == nil {
			return nil, network.ErrAddressInUse
		}
		if !errors.Is(err, network.ErrAddressNotFound) {
			return nil, err
		}
	}

	txt := []string{
		"address=" + address,
		"role=" + role,
		"version=" + strconv.Itoa(d.cfg.Version),
		"name=" + d.cfg.DisplayName,
		"device=" + d.cfg.DeviceID,
	}
	server, err := d.cfg.registerFn(address, d.cfg.Service, d.cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	d.mu.Lock()
	if _, exists := d.local[address]; exists {
		d.mu.Unlock()
		if server != nil {
			server.Shutdown()
		}
		return nil, network.ErrAddressInUse
	}
	d.local[address] = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	d.mu.Unlock()

	log.Debugw("advertising address", "address", address, "role", role, "port", port)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.local, address)
			d.mu.Unlock()
			if server != nil {
				server.Shutdown()
			}
		})
	}, nil
}

// Resolve returns host:port for address. Addresses advertised by this process resolve to
// loopback without a browse.
func (d *Directory) Resolve(ctx context.Context, address string) (string, error) {
	d.mu.Lock()
	hostPort, ok := d.local[address]
	d.mu.Unlock()
	if ok {
		return hostPort, nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()
	entry, err := d.browseFor(scanCtx, address)
	if err != nil {
		return "", err
	}
	return entry.HostPort(), nil
}

// browseFor browses until an entry for address shows up or ctx ends.
func (d *Directory) browseFor(ctx context.Context, address string) (Entry, error) {
	browse, err := d.cfg.browser()
	if err != nil {
		return Entry{}, err
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(chan Entry, 1)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case raw, ok := <-entries:
				if !ok {
					return
				}
				if raw == nil {
					continue
				}
				entry, ok := parseEntry(raw)
				if !ok || entry.Address != address {
					continue
				}
				entry.LastSeen = time.Now()
				found <- entry
				cancel()
				return
			}
		}
	}()

	if err := browse(scanCtx, d.cfg.Service, d.cfg.Domain, entries); err != nil {
		return Entry{}, fmt.Errorf("browse mDNS: %w", err)
	}
	<-collectorDone

	select {
	case entry := <-found:
		return entry, nil
	default:
		return Entry{}, fmt.Errorf("%w: %q", network.ErrAddressNotFound, address)
	}
}

func parseEntry(raw *zeroconf.ServiceEntry) (Entry, bool) {
	txt := txtToMap(raw.Text)

	address := strings.TrimSpace(txt["address"])
	if address == "" || raw.Port <= 0 {
		return Entry{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(raw.AddrIPv4)+len(raw.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(raw.AddrIPv4, raw.AddrIPv6...) {
		if ip == nil {
			continue
		}
		value := ip.String()
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		addresses = append(addresses, value)
	}
	sort.Strings(addresses)

	role := txt["role"]
	if role != RoleHost && role != RoleMember {
		role = RoleFor(address)
	}

	return Entry{
		Address:     address,
		Role:        role,
		DisplayName: txt["name"],
		DeviceID:    txt["device"],
		Version:     version,
		HostName:    raw.HostName,
		Port:        raw.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
