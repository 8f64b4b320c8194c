package router

import (
	"context"
	"time"

	"github.com/overlay-relay/router/internal/types"
	"github.com/overlay-relay/router/internal/util"
)

// RequestRotation implements relay.Rotator. A node calls this when its
// rate-limit accumulator has sustained 429s for the full window
// (spec.md §4.5). Rotation runs on its own goroutine so the calling
// HTTP worker is never blocked by it; exactly one rotation is ever in
// flight per service, guarded by the rotating flag.
func (r *Router) RequestRotation(service string) {
	r.mu.Lock()
	if r.rotating[service] {
		r.mu.Unlock()
		return
	}
	r.rotating[service] = true
	r.mu.Unlock()

	r.wg.Add(1)
	util.SafeGo(func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.rotating, service)
			r.mu.Unlock()
		}()
		r.rotate(service)
	})
}

// rotate stops the service's current node and bridge, generates a
// fresh relay identity, stands up a replacement, and rebinds the
// assignment — spec.md §4.5's seed rotation.
func (r *Router) rotate(service string) {
	r.mu.Lock()
	old, exists := r.nodes[service]
	var svc = r.serviceDefLocked(service)
	r.mu.Unlock()
	if !exists {
		r.log.Warn().Str("service", service).Msg("router: rotation requested for unknown service")
		return
	}

	r.log.Info().Str("service", service).Str("old_node", old.node.ID()).Msg("router: rotating relay identity")

	identity, err := old.identity.Rotate()
	if err != nil {
		r.log.Error().Err(err).Str("service", service).Msg("router: failed to derive rotated identity")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry, err := r.buildNode(ctx, svc, identity)
	if err != nil {
		r.log.Error().Err(err).Str("service", service).Msg("router: rotated node failed to start, keeping old node")
		return
	}

	r.mu.Lock()
	r.nodes[service] = entry
	r.assign[service] = entry.node.ID()
	r.dirty = true
	r.mu.Unlock()

	r.recordIdentity(service, identity)
	r.publishAssignment()

	old.node.Stop()
	old.sup.Shutdown()

	r.log.Info().Str("service", service).Str("new_node", entry.node.ID()).Msg("router: rotation complete")
}

func (r *Router) serviceDefLocked(service string) (svc types.ServiceDefinition) {
	for _, s := range r.cfg.Services {
		if s.Name == service {
			return s
		}
	}
	return
}
