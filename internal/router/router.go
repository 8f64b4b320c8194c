// Package router implements Layer L2 (spec.md §4.5): one Relay Node
// per service, the service→node assignment map, the status monitor,
// seed rotation, and configuration persistence. It is the only package
// that wires together bridge.Supervisor, relay.Node, and firewall.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/overlay-relay/router/internal/bridge"
	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/firewall"
	"github.com/overlay-relay/router/internal/relay"
	"github.com/overlay-relay/router/internal/types"
	"github.com/overlay-relay/router/internal/util"
)

// ChildSpawner builds the per-service bridge.Spawner. The real
// implementation launches the overlay child process with the service's
// current relay identity baked into its environment/args; out of scope
// per spec.md §1, supplied by the caller of New.
type ChildSpawner func(service string, identity types.RelayIdentity) bridge.Spawner

// nodeEntry bundles everything the Router owns per service: the live
// relay.Node, its bridge supervisor, and the identity it was built
// with, so rotation can tear one down and stand up its replacement.
type nodeEntry struct {
	node     *relay.Node
	sup      *bridge.Supervisor
	identity types.RelayIdentity
}

// Router is the top-level L2 actor: one per daemon instance.
type Router struct {
	cfgPath string
	store   collab.ConfigStore
	cfg     *config.Config

	supervisor collab.ProcessSupervisor
	stats      collab.StatsCollector
	ui         collab.UIPublisher
	spawner    ChildSpawner

	whitelist  *firewall.Whitelist
	firewall   *firewall.Firewall
	discoverer *firewall.Discoverer

	log zerolog.Logger

	mu       sync.Mutex
	nodes    map[string]*nodeEntry
	assign   map[string]string
	rotating map[string]bool
	dirty    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the collaborators a Router needs beyond its config.
type Deps struct {
	ConfigPath string
	Store      collab.ConfigStore
	Supervisor collab.ProcessSupervisor
	Stats      collab.StatsCollector
	UI         collab.UIPublisher
	Spawner    ChildSpawner
	Log        zerolog.Logger
}

// New loads configuration from Deps.ConfigPath (or starts from
// defaults if absent) and constructs a Router, but does not yet start
// any nodes — call Start for that.
func New(d Deps) (*Router, error) {
	cfg, err := d.Store.Load(d.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	wl := firewall.NewWhitelist(cfg.Services)
	fw := firewall.New(cfg.Security.PortIsolationEnabled, wl, d.Log)
	disc := firewall.NewDiscoverer(cfg.Services, wl, d.Log)

	r := &Router{
		cfgPath:    d.ConfigPath,
		store:      d.Store,
		cfg:        cfg,
		supervisor: d.Supervisor,
		stats:      d.Stats,
		ui:         d.UI,
		spawner:    d.Spawner,
		whitelist:  wl,
		firewall:   fw,
		discoverer: disc,
		log:        d.Log,
		nodes:      make(map[string]*nodeEntry),
		assign:     make(map[string]string),
		rotating:   make(map[string]bool),
		stopCh:     make(chan struct{}),
	}

	for _, rec := range cfg.Relays {
		r.assign[rec.Service] = rec.Name
	}

	for _, svc := range cfg.Services {
		origin := util.ExtractOrigin(svc.TargetURL)
		r.log.Info().Str("service", svc.Name).Str("origin", origin).Msg("router: configured service target")
	}

	return r, nil
}

// Start builds a Relay Node (and its bridge supervisor) for every
// configured service, starting them concurrently (SPEC_FULL.md §4.5's
// errgroup fan-out), then launches the status monitor. One node
// failing to start is logged but does not abort the others or the
// Router — every other service must stay independently reachable.
func (r *Router) Start(ctx context.Context) error {
	services := r.cfg.Services

	g, gCtx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			if err := r.startService(gCtx, svc); err != nil {
				r.log.Error().Err(err).Str("service", svc.Name).Msg("router: service failed to start")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.wg.Add(2)
	util.SafeGo(func() {
		defer r.wg.Done()
		r.runStatusMonitor(ctx)
	})
	util.SafeGo(func() {
		defer r.wg.Done()
		// 30s = six status-monitor ticks, matching spec.md §4.5's
		// "port-discovery every sixth tick" on its own schedule.
		r.discoverer.Run(r.stopCh, 30*time.Second)
	})

	return nil
}

// startService constructs (or reuses) the relay identity for svc,
// builds its Relay Node and bridge supervisor, and registers the
// assignment. Called at startup and, with a fresh identity, on
// rotation.
func (r *Router) startService(ctx context.Context, svc types.ServiceDefinition) error {
	identity, err := r.identityFor(svc.Name)
	if err != nil {
		return fmt.Errorf("deriving relay identity for %s: %w", svc.Name, err)
	}

	entry, err := r.buildNode(ctx, svc, identity)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.nodes[svc.Name] = entry
	r.assign[svc.Name] = entry.node.ID()
	r.dirty = true
	r.mu.Unlock()

	r.publishAssignment()
	return nil
}

// identityFor returns the persisted identity for service, generating
// and persisting a fresh one on first run.
func (r *Router) identityFor(service string) (types.RelayIdentity, error) {
	r.mu.Lock()
	for _, rec := range r.cfg.Relays {
		if rec.Service == service {
			r.mu.Unlock()
			return types.RelayIdentity{SeedHex: rec.Seed, Name: rec.Name, CreatedAt: rec.CreatedAt, RotatedAt: rec.RotatedAt}, nil
		}
	}
	r.mu.Unlock()

	identity, err := types.NewRelayIdentity(service)
	if err != nil {
		return types.RelayIdentity{}, err
	}
	r.recordIdentity(service, identity)
	return identity, nil
}

func (r *Router) recordIdentity(service string, identity types.RelayIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := config.RelayRecord{
		Service:   service,
		Seed:      identity.SeedHex,
		Name:      identity.Name,
		CreatedAt: identity.CreatedAt,
		RotatedAt: identity.RotatedAt,
	}
	replaced := false
	for i, existing := range r.cfg.Relays {
		if existing.Service == service {
			r.cfg.Relays[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		r.cfg.Relays = append(r.cfg.Relays, rec)
	}
	r.dirty = true
}

// buildNode wires a fresh relay.Node to a fresh bridge.Supervisor for
// one service/identity pair and starts both.
func (r *Router) buildNode(ctx context.Context, svc types.ServiceDefinition, identity types.RelayIdentity) (*nodeEntry, error) {
	n := relay.New(relay.Deps{
		NodeID:     identity.Name,
		Service:    svc,
		HTTP:       r.cfg.HTTP,
		Sender:     nil, // wired below once the supervisor exists
		Assignment: r,
		Rotator:    r,
		Stats:      r.stats,
		Firewall:   r.firewall,
		Whitelist:  r.whitelist,
		OnDemand:   r.discoverer,
		Log:        r.log,
	})

	sup := bridge.NewSupervisor(svc.Name, r.spawner(svc.Name, identity), n.SetAddress, n.HandleInbound, r.log)
	n.SetSender(sup)

	if err := sup.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting bridge for %s: %w", svc.Name, err)
	}
	n.Start(ctx)

	return &nodeEntry{node: n, sup: sup, identity: identity}, nil
}

// Owner implements relay.Assignment: the single source of truth every
// node consults before acting on a request naming another service.
func (r *Router) Owner(service string) (nodeID, addr string, ok bool) {
	r.mu.Lock()
	entry, exists := r.nodes[service]
	r.mu.Unlock()
	if !exists {
		return "", "", false
	}
	addr, hasAddr := entry.node.CurrentAddress()
	return entry.node.ID(), addr, hasAddr
}

// publishAssignment pushes the current service→node map to the UI
// collaborator. Non-blocking per spec.md §5's collaborator contract.
func (r *Router) publishAssignment() {
	if r.ui == nil {
		return
	}
	r.mu.Lock()
	snapshot := make(map[string]string, len(r.assign))
	for k, v := range r.assign {
		snapshot[k] = v
	}
	r.mu.Unlock()
	r.ui.PublishAssignment(snapshot)
}

// Shutdown stops every Relay Node and bridge supervisor, then persists
// configuration one last time if dirty.
func (r *Router) Shutdown() {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	entries := make([]*nodeEntry, 0, len(r.nodes))
	for _, e := range r.nodes {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.node.Stop()
		e.sup.Shutdown()
	}

	r.persistIfDirty()
}

func (r *Router) persistIfDirty() {
	r.mu.Lock()
	dirty := r.dirty
	cfg := r.cfg
	r.mu.Unlock()
	if !dirty {
		return
	}
	if err := r.store.Save(r.cfgPath, cfg); err != nil {
		r.log.Error().Err(err).Msg("router: failed to persist configuration")
		return
	}
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
}

// runStatusMonitor polls the process supervisor every ~5s (spec.md
// §4.5) and persists configuration whenever the dirty flag is set.
func (r *Router) runStatusMonitor(ctx context.Context) {
	const period = 5 * time.Second
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollStatus(ctx)
			r.persistIfDirty()
		}
	}
}

// pollStatus asks the external process supervisor for every service's
// status and republishes it to the UI collaborator.
func (r *Router) pollStatus(ctx context.Context) {
	if r.supervisor == nil {
		return
	}
	snapshot, err := r.supervisor.Snapshot(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("router: process supervisor snapshot failed")
		return
	}
	if r.ui == nil {
		return
	}
	for service, status := range snapshot {
		r.ui.PublishStatus(service, status)
	}
}
