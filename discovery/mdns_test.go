package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"skinparty/network"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	directory := NewDirectory(Config{
		DisplayName:  "Summoner-AB12",
		DeviceID:     "device-1",
		ProbeTimeout: 20 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
		browseFn: emptyBrowse,
	})

	stop, err := directory.Advertise("ABC123", 9999)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer stop()

	if gotInstance != "ABC123" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9999 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "address=ABC123")
	assertContainsTXT(t, gotTXT, "role=host")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "name=Summoner-AB12")
	assertContainsTXT(t, gotTXT, "device=device-1")
}

func TestAdvertiseMemberSkipsCollisionProbe(t *testing.T) {
	var browseCalls int32
	directory := NewDirectory(Config{
		registerFn: nopRegister,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			atomic.AddInt32(&browseCalls, 1)
			<-ctx.Done()
			return nil
		},
	})

	stop, err := directory.Advertise("ABC123-1700000000000-x9k2", 9000)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer stop()

	if calls := atomic.LoadInt32(&browseCalls); calls != 0 {
		t.Fatalf("expected no browse for a member address, got %d", calls)
	}
}

func TestAdvertiseRejectsRoomCodeSeenOnLAN(t *testing.T) {
	directory := NewDirectory(Config{
		ProbeTimeout: time.Second,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			t.Fatalf("register should not be called for a taken code")
			return nil, nil
		},
		browseFn: staticBrowse(testServiceEntry("ABC123", RoleHost, 9998, "10.0.0.2")),
	})

	if _, err := directory.Advertise("ABC123", 9999); !errors.Is(err, network.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

func TestAdvertiseRejectsLocalDuplicateUntilStopped(t *testing.T) {
	directory := NewDirectory(Config{
		ProbeTimeout: 10 * time.Millisecond,
		registerFn:   nopRegister,
		browseFn:     emptyBrowse,
	})

	stop, err := directory.Advertise("ABC123", 9000)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if _, err := directory.Advertise("ABC123", 9001); !errors.Is(err, network.ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}

	stop()
	stop()

	stop, err = directory.Advertise("ABC123", 9002)
	if err != nil {
		t.Fatalf("Advertise after stop failed: %v", err)
	}
	stop()
}

func TestResolvePrefersLocalAdvertisement(t *testing.T) {
	directory := NewDirectory(Config{
		ProbeTimeout: 10 * time.Millisecond,
		registerFn:   nopRegister,
		browseFn:     emptyBrowse,
	})
	stop, err := directory.Advertise("ABC123", 9000)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer stop()

	hostPort, err := directory.Resolve(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if hostPort != "127.0.0.1:9000" {
		t.Fatalf("unexpected host:port %q", hostPort)
	}
}

func TestResolveBrowsesForRemoteAddress(t *testing.T) {
	directory := NewDirectory(Config{
		ScanTimeout: time.Second,
		registerFn:  nopRegister,
		browseFn: staticBrowse(
			testServiceEntry("XYZ789", RoleHost, 9100, "10.0.0.5"),
			testServiceEntry("ABC123", RoleHost, 9200, "10.0.0.7"),
		),
	})

	started := time.Now()
	hostPort, err := directory.Resolve(context.Background(), "ABC123")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if hostPort != "10.0.0.7:9200" {
		t.Fatalf("unexpected host:port %q", hostPort)
	}
	if elapsed := time.Since(started); elapsed >= time.Second {
		t.Fatalf("expected Resolve to return on first match, took %s", elapsed)
	}
}

func TestResolveUnknownAddress(t *testing.T) {
	directory := NewDirectory(Config{
		ScanTimeout: 30 * time.Millisecond,
		registerFn:  nopRegister,
		browseFn:    staticBrowse(testServiceEntry("XYZ789", RoleHost, 9100, "10.0.0.5")),
	})

	if _, err := directory.Resolve(context.Background(), "ABC123"); !errors.Is(err, network.ErrAddressNotFound) {
		t.Fatalf("expected ErrAddressNotFound, got %v", err)
	}
}

func TestParseEntryFallsBackToHostNameAndInfersRole(t *testing.T) {
	entry, ok := parseEntry(&zeroconf.ServiceEntry{
		HostName: "desk.local.",
		Port:     7000,
		Text:     []string{"address=ABC123-1-abcd", "version=x"},
	})
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if entry.Role != RoleMember || entry.Version != 0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.HostPort() != "desk.local:7000" {
		t.Fatalf("unexpected host:port %q", entry.HostPort())
	}

	if _, ok := parseEntry(&zeroconf.ServiceEntry{Port: 7000, Text: []string{"version=1"}}); ok {
		t.Fatalf("expected entry without address to be skipped")
	}
}

func nopRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
	return nil, nil
}

func emptyBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	return nil
}

func staticBrowse(list ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		for _, entry := range list {
			entries <- entry
		}
		<-ctx.Done()
		return nil
	}
}

func testServiceEntry(address, role string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: address,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: address + ".local",
		Port:     port,
		Text: []string{
			"address=" + address,
			"role=" + role,
			"version=1",
			"name=host-of-" + address,
			"device=dev-" + address,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
