// Package collab defines the narrow interfaces the router core uses to
// talk to everything spec.md §1 declares out of scope: the terminal
// dashboard/UI, the embedded process-supervisor that clones and
// launches the service repositories, the statistics store, and
// configuration persistence. The core depends only on these three-ish
// method interfaces (spec.md §9: "Subprocess supervisor... make the
// handle to it an abstract collaborator"), never on a concrete
// implementation, so the real collaborators can be swapped in without
// touching the router, relay, or bridge packages.
package collab

import (
	"context"
	"time"

	"github.com/overlay-relay/router/internal/config"
)

// ProcessStatus is a snapshot of one managed service process.
type ProcessStatus struct {
	Service string
	Running bool
	PID     int
	Detail  string
}

// ProcessSupervisor starts, stops, and reports on the external service
// processes (ASR, TTS, the LLM proxy, etc). The real implementation —
// cloning and launching third-party repositories — is out of scope per
// spec.md §1; the router only ever calls through this interface.
type ProcessSupervisor interface {
	Start(ctx context.Context, service string) error
	Stop(ctx context.Context, service string) error
	Status(ctx context.Context, service string) (ProcessStatus, error)
	Snapshot(ctx context.Context) (map[string]ProcessStatus, error)
}

// StatsCollector records per-request usage statistics (spec.md §4.2
// step 4: "Records usage statistics (bytes in/out, duration)"). Callers
// must treat it as non-blocking.
type StatsCollector interface {
	RecordRequest(service string, bytesIn, bytesOut int64, dur time.Duration)
}

// UIPublisher pushes assignment and status changes to the terminal
// dashboard. Out of scope per spec.md §1; the router publishes through
// this interface only.
type UIPublisher interface {
	PublishAssignment(assignment map[string]string)
	PublishStatus(service string, status ProcessStatus)
}

// ConfigStore loads and persists the router's configuration document.
type ConfigStore interface {
	Load(path string) (*config.Config, error)
	Save(path string, cfg *config.Config) error
}

// NoopSupervisor is a ProcessSupervisor that reports every service as
// already running, for --no-ui / test runs where nothing actually
// launches subprocess services.
type NoopSupervisor struct{}

func (NoopSupervisor) Start(context.Context, string) error { return nil }
func (NoopSupervisor) Stop(context.Context, string) error  { return nil }
func (NoopSupervisor) Status(_ context.Context, service string) (ProcessStatus, error) {
	return ProcessStatus{Service: service, Running: true}, nil
}
func (NoopSupervisor) Snapshot(context.Context) (map[string]ProcessStatus, error) {
	return map[string]ProcessStatus{}, nil
}

// NoopStats discards every recorded request.
type NoopStats struct{}

func (NoopStats) RecordRequest(string, int64, int64, time.Duration) {}

// NoopUI discards every published update.
type NoopUI struct{}

func (NoopUI) PublishAssignment(map[string]string)      {}
func (NoopUI) PublishStatus(string, ProcessStatus) {}
