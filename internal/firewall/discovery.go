package firewall

import (
	"bufio"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/overlay-relay/router/internal/types"
	"github.com/overlay-relay/router/internal/util"
)

// portBannerPattern matches the common dev-server startup banner
// ("Running on http://127.0.0.1:5000" and similar), the same shape the
// teacher greps for server-readiness detection elsewhere in the pack.
var portBannerPattern = regexp.MustCompile(`(?i)running on\D*:(\d{2,5})\b`)

const probeTimeout = 350 * time.Millisecond

// onDemandProbeRate caps how often TryOnDemand will actually dial a
// candidate port per service: a client hammering requests against an
// unwhitelisted port must not turn into a TCP-probe storm.
const onDemandProbeRate = 5 // per second, per service

// Discoverer tails each service's log file for a port announcement and,
// once one is seen, TCP-probes it before whitelisting it dynamically
// (spec.md §4.4: on-demand whitelisting). It also re-scans periodically
// in case a service restarts on a new port.
type Discoverer struct {
	services  []types.ServiceDefinition
	whitelist *Whitelist
	log       zerolog.Logger

	offsets  map[string]int64
	probeMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDiscoverer constructs a Discoverer over the given services'
// configured log files.
func NewDiscoverer(services []types.ServiceDefinition, whitelist *Whitelist, log zerolog.Logger) *Discoverer {
	return &Discoverer{
		services:  services,
		whitelist: whitelist,
		log:       log,
		offsets:   make(map[string]int64),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the per-service on-demand probe limiter, creating
// it on first use.
func (d *Discoverer) limiterFor(service string) *rate.Limiter {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	l, ok := d.limiters[service]
	if !ok {
		l = rate.NewLimiter(rate.Limit(onDemandProbeRate), onDemandProbeRate)
		d.limiters[service] = l
	}
	return l
}

// Run scans every service log once per tick until done is closed. Callers
// typically run this from a single goroutine started alongside the
// router's status monitor, at the ~30s cadence spec.md §4.5 assigns to
// "periodic port re-discovery".
func (d *Discoverer) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d.scanAll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.scanAll()
		}
	}
}

func (d *Discoverer) scanAll() {
	for _, svc := range d.services {
		if svc.LogFile == "" {
			continue
		}
		util.SafeGo(func(svc types.ServiceDefinition) func() {
			return func() { d.scanOne(svc) }
		}(svc))
	}
}

func (d *Discoverer) scanOne(svc types.ServiceDefinition) {
	f, err := os.Open(svc.LogFile) // #nosec G304 -- log file path comes from operator config
	if err != nil {
		return
	}
	defer f.Close()

	offset := d.offsets[svc.LogFile]
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		offset = 0
		f.Seek(0, io.SeekStart)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 16*1024), 256*1024)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Text()
		consumed += int64(len(line)) + 1
		m := portBannerPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port := atoiSafe(m[1])
		if port <= 0 || d.whitelist.Allowed(port) {
			continue
		}
		if probePort(port) {
			d.whitelist.AddDynamic(port)
			d.log.Info().Str("service", svc.Name).Int("port", port).Msg("firewall: dynamically whitelisted port")
		}
	}
	d.offsets[svc.LogFile] = offset + consumed
}

const tailLines = 100

// TryOnDemand implements the on-demand whitelisting spec.md §4.4
// describes for a single rejected request: first log-detect (tail the
// service's log, look for a port banner, probe it), then — since every
// service this router fronts is local — a direct probe of the
// requested port itself. It reports whether requestedPort ends up
// whitelisted.
func (d *Discoverer) TryOnDemand(svc types.ServiceDefinition, requestedPort int) bool {
	limiter := d.limiterFor(svc.Name)
	if !limiter.Allow() {
		d.log.Warn().Str("service", svc.Name).Int("port", requestedPort).Msg("firewall: on-demand probe rate exceeded, refusing")
		return d.whitelist.Allowed(requestedPort)
	}

	if svc.LogFile != "" {
		for _, port := range tailPorts(svc.LogFile, tailLines) {
			if d.whitelist.Allowed(port) {
				continue
			}
			if probePort(port) {
				d.whitelist.AddDynamic(port)
				d.log.Info().Str("service", svc.Name).Int("port", port).Msg("firewall: on-demand whitelist via log-detect")
			}
		}
	}

	if d.whitelist.Allowed(requestedPort) {
		return true
	}

	if probePort(requestedPort) {
		d.whitelist.AddDynamic(requestedPort)
		d.log.Info().Str("service", svc.Name).Int("port", requestedPort).Msg("firewall: on-demand whitelist via direct probe")
		return true
	}

	return false
}

// tailPorts returns every plausible port number (1024-65535) found in
// the last n lines of path's port-banner-shaped log lines.
func tailPorts(path string, n int) []int {
	f, err := os.Open(path) // #nosec G304 -- log file path comes from operator config
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 16*1024), 256*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}

	var ports []int
	for _, line := range lines {
		m := portBannerPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if port := atoiSafe(m[1]); port >= 1024 && port <= 65535 {
			ports = append(ports, port)
		}
	}
	return ports
}

func probePort(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
