// Package firewall implements the port-isolation firewall (spec.md
// §4.4): the relay node's HTTP client may only dial loopback ports
// that are explicitly whitelisted, either statically from config or
// learned on demand by watching a service's log file. This is the
// teacher's SSRF-safe dialer (internal/upload/ssrf.go) turned inside
// out — that code blocks private ranges and allows everything else;
// this one requires the private/loopback range and additionally
// restricts by port, since every upstream here is local by design.
package firewall

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overlay-relay/router/internal/types"
)

// Whitelist tracks which local ports a relay node is permitted to dial:
// a static set configured up front, plus ports discovered at runtime.
type Whitelist struct {
	mu      sync.RWMutex
	static  map[int]bool
	dynamic map[int]time.Time
}

// NewWhitelist constructs a Whitelist seeded with the statically
// configured ports for one or more services.
func NewWhitelist(services []types.ServiceDefinition) *Whitelist {
	w := &Whitelist{
		static:  make(map[int]bool),
		dynamic: make(map[int]time.Time),
	}
	for _, svc := range services {
		for _, p := range svc.WhitelistPort {
			w.static[p] = true
		}
	}
	return w
}

// Allowed reports whether port may currently be dialed.
func (w *Whitelist) Allowed(port int) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.static[port] {
		return true
	}
	_, ok := w.dynamic[port]
	return ok
}

// AddDynamic whitelists port, learned via log-file detection and a
// successful TCP probe.
func (w *Whitelist) AddDynamic(port int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dynamic[port] = time.Now()
}

// Ports returns every currently whitelisted port, static and dynamic.
func (w *Whitelist) Ports() []int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]int, 0, len(w.static)+len(w.dynamic))
	for p := range w.static {
		out = append(out, p)
	}
	for p := range w.dynamic {
		if !w.static[p] {
			out = append(out, p)
		}
	}
	return out
}

// Firewall enforces the whitelist on dials a relay node's HTTP client
// makes on behalf of inbound overlay requests.
type Firewall struct {
	enabled   bool
	whitelist *Whitelist
	log       zerolog.Logger
}

// New constructs a Firewall. When enabled is false, DialContext allows
// every loopback dial regardless of port (matching spec.md §4.4's
// note that isolation is an opt-out security setting).
func New(enabled bool, whitelist *Whitelist, log zerolog.Logger) *Firewall {
	return &Firewall{enabled: enabled, whitelist: whitelist, log: log}
}

// Enabled reports whether port-isolation enforcement is currently on.
func (f *Firewall) Enabled() bool {
	return f.enabled
}

// Whitelist exposes the underlying whitelist so callers can pre-check a
// port before dialing (e.g. to trigger on-demand whitelisting).
func (f *Firewall) Whitelist() *Whitelist {
	return f.whitelist
}

// DialContext is installed as an http.Transport.DialContext. It refuses
// to dial anything that is not loopback, and — when isolation is
// enabled — anything whose port is not whitelisted.
func (f *Firewall) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("firewall: invalid address %s", addr)
	}

	ip, err := resolveLoopback(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("firewall: %w", err)
	}

	if f.enabled {
		port, err := net.LookupPort(network, portStr)
		if err != nil {
			return nil, fmt.Errorf("firewall: invalid port %s: %w", portStr, err)
		}
		if !f.whitelist.Allowed(port) {
			f.log.Warn().Int("port", port).Str("host", host).Msg("firewall: blocked dial to non-whitelisted port")
			return nil, fmt.Errorf("firewall: port %d is not whitelisted", port)
		}
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), portStr))
}

// resolveLoopback resolves host and requires the result be a loopback
// address — every service this router fronts runs on the same machine.
func resolveLoopback(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !ip.IsLoopback() {
			return nil, fmt.Errorf("host %q is not loopback", host)
		}
		return ip, nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}
	for _, addr := range ips {
		if addr.IP.IsLoopback() {
			return addr.IP, nil
		}
	}
	return nil, fmt.Errorf("hostname %q does not resolve to loopback", host)
}
