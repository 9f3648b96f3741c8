// Package discovery finds devices on local network segment via DNS-SD (mDNS)
// and advertises device endpoint.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/juju/errors"
	"github.com/temoto/imulink/log2"
)

const (
	DefaultService = "_imulink._udp"
	DefaultDomain  = "local"
	DefaultTimeout = 5 * time.Second
)

type Entry struct {
	Name string
	IP   net.IP
	Port int
}

func (e Entry) Addr() *net.UDPAddr { return &net.UDPAddr{IP: e.IP, Port: e.Port} }
func (e Entry) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port)))
}

// Resolver returns zero or more endpoints for service.
// Empty result is not an error, caller should retry later.
type Resolver interface {
	Resolve(ctx context.Context, service string) ([]Entry, error)
}

// StaticResolver always returns same entries, used for configured device address.
type StaticResolver []Entry

func (s StaticResolver) Resolve(context.Context, string) ([]Entry, error) {
	return append([]Entry(nil), s...), nil
}

// ParseStatic parses "host:port".
func ParseStatic(hostport string) (StaticResolver, error) {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, errors.Annotatef(err, "discovery static address=%s", hostport)
	}
	return StaticResolver{{Name: hostport, IP: addr.IP, Port: addr.Port}}, nil
}

type DNSSDResolver struct {
	Log *log2.Log
	// browse duration, mDNS has no "end of results"
	Timeout time.Duration
}

func (r *DNSSDResolver) Resolve(ctx context.Context, service string) ([]Entry, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	found := make(map[string]Entry)
	add := func(be dnssd.BrowseEntry) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entriesFromBrowse(be) {
			r.Log.Debugf("discovery add %s", e)
			found[e.String()] = e
		}
	}
	rmv := func(be dnssd.BrowseEntry) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entriesFromBrowse(be) {
			r.Log.Debugf("discovery remove %s", e)
			delete(found, e.String())
		}
	}
	err := dnssd.LookupType(ctx, serviceType(service), add, rmv)
	if err != nil && ctx.Err() == nil {
		return nil, errors.Annotatef(err, "discovery lookup service=%s", service)
	}

	mu.Lock()
	defer mu.Unlock()
	result := make([]Entry, 0, len(found))
	for _, e := range found {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result, nil
}

// serviceType "_x._udp" -> "_x._udp.local."
func serviceType(service string) string {
	if service == "" {
		service = DefaultService
	}
	service = strings.TrimSuffix(service, ".")
	if !strings.HasSuffix(service, "."+DefaultDomain) {
		service += "." + DefaultDomain
	}
	return service + "."
}

// entriesFromBrowse prefers IPv4, device firmware listens on IPv4 only.
func entriesFromBrowse(be dnssd.BrowseEntry) []Entry {
	if be.Port <= 0 {
		return nil
	}
	result := make([]Entry, 0, 1)
	for _, ip := range be.IPs {
		if ip4 := ip.To4(); ip4 != nil {
			result = append(result, Entry{Name: be.Name, IP: ip4, Port: be.Port})
		}
	}
	if len(result) == 0 && len(be.IPs) > 0 {
		result = append(result, Entry{Name: be.Name, IP: be.IPs[0], Port: be.Port})
	}
	return result
}
