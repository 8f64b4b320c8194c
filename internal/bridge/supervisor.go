package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/overlay-relay/router/internal/queue"
	"github.com/overlay-relay/router/internal/util"
)

const sendQueueCapacity = 2000

// Spawner starts the child process implementing the overlay transport
// for one service. Split out from Supervisor so tests can substitute a
// fake child without touching os/exec.
type Spawner func(ctx context.Context) (*exec.Cmd, error)

// OnAddress is called with the overlay address on ready, and with
// ok=false (address "") whenever the bridge is restarting and has no
// current address.
type OnAddress func(address string, ok bool)

// OnInbound is called for every inbound message that is not a
// self-probe.
type OnInbound func(src string, msg json.RawMessage)

// Supervisor is Layer L0: one per service, owning a child process,
// restart-with-backoff, liveness tracking, and the bounded outbound
// send queue described in spec.md §4.1.
type Supervisor struct {
	service string
	spawn   Spawner
	log     zerolog.Logger

	onAddress OnAddress
	onInbound OnInbound

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stopped  bool
	running  bool
	gen      uint64
	backoff  *backoff.ExponentialBackOff

	queue *queue.DropOldest[dmBody]
	wake  chan struct{}

	wg sync.WaitGroup
}

// NewSupervisor constructs a Supervisor for service, using spawn to
// launch the child process.
func NewSupervisor(service string, spawn Spawner, onAddress OnAddress, onInbound OnInbound, log zerolog.Logger) *Supervisor {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0      // retry forever
	b.RandomizationFactor = 0 // deterministic 0.5, 1, 2, 4, 8, 16, 30, 30, ... sequence
	b.Reset()

	return &Supervisor{
		service:   service,
		spawn:     spawn,
		log:       log.With().Str("service", service).Logger(),
		onAddress: onAddress,
		onInbound: onInbound,
		backoff:   b,
		queue:     queue.NewDropOldest[dmBody](sendQueueCapacity),
		wake:      make(chan struct{}, 1),
	}
}

// Start is idempotent: it spawns the child if none is running. Spawn
// failure surfaces as an error and schedules no retry itself — per
// spec.md §4.1 "initial failure triggers no retry — caller re-invokes".
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor for %s is shut down", s.service)
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.spawnOnce(ctx)
}

func (s *Supervisor) spawnOnce(ctx context.Context) error {
	cmd, err := s.spawn(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("bridge spawn failed")
		return fmt.Errorf("spawning bridge for %s: %w", s.service, err)
	}
	util.SetDetachedProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("wiring stdin for %s: %w", s.service, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("wiring stdout for %s: %w", s.service, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("wiring stderr for %s: %w", s.service, err)
	}

	if err := cmd.Start(); err != nil {
		s.log.Error().Err(err).Msg("bridge start failed")
		return fmt.Errorf("starting bridge for %s: %w", s.service, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.stdin = stdin
	s.running = true
	s.mu.Unlock()

	s.log.Info().Msg("bridge child started")

	var deathOnce sync.Once
	die := func(cause error) {
		deathOnce.Do(func() { s.onDeath(gen, cause) })
	}

	s.wg.Add(3)
	util.SafeGo(func() {
		defer s.wg.Done()
		s.readStdout(gen, stdout, die)
	})
	util.SafeGo(func() {
		defer s.wg.Done()
		s.readStderr(stderr)
	})
	util.SafeGo(func() {
		defer s.wg.Done()
		s.sendLoop(gen, stdin, die)
	})

	util.SafeGo(func() {
		err := cmd.Wait()
		die(err)
	})

	return nil
}

func (s *Supervisor) readStdout(gen uint64, stdout io.Reader, die func(error)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec childRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn().Err(err).Msg("malformed bridge record, ignoring")
			continue
		}
		s.handleRecord(gen, rec, die)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Msg("bridge stdout read error")
	}
}

func (s *Supervisor) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Info().Str("stream", "stderr").Msg(scanner.Text())
	}
}

func (s *Supervisor) handleRecord(gen uint64, rec childRecord, die func(error)) {
	switch rec.Type {
	case recReady:
		var body readyBody
		if err := json.Unmarshal(rec.Body, &body); err != nil {
			s.log.Warn().Err(err).Msg("malformed ready record")
			return
		}
		s.backoff.Reset()
		if s.onAddress != nil {
			s.onAddress(body.Address, true)
		}
	case recStatus:
		var body statusBody
		if err := json.Unmarshal(rec.Body, &body); err != nil {
			s.log.Warn().Err(err).Msg("malformed status record")
			return
		}
		if body.State == statusProbeExit {
			s.log.Warn().Str("detail", body.Detail).Msg("bridge reported probe_exit, treating as death")
			s.mu.Lock()
			cmd := s.cmd
			current := s.gen == gen
			s.mu.Unlock()
			if current && cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			die(fmt.Errorf("probe_exit: %s", body.Detail))
		}
	case recInbound:
		var body inboundBody
		if err := json.Unmarshal(rec.Body, &body); err != nil {
			s.log.Warn().Err(err).Msg("malformed inbound record")
			return
		}
		if s.onInbound != nil {
			s.onInbound(body.Src, body.Msg)
		}
	case recError:
		var body errorBody
		_ = json.Unmarshal(rec.Body, &body)
		s.log.Error().Str("detail", body.Msg).Msg("bridge reported error")
	default:
		// Unknown record types are ignored, matching the "unknown inbound
		// events: ignored" propagation policy in spec.md §7.
	}
	_ = gen
}

// Send enqueues an outbound directed message. Never blocks; if the
// queue is full the oldest pending entry is dropped (spec.md §4.1).
func (s *Supervisor) Send(to string, payload json.RawMessage, opts *SendOpts) {
	s.queue.Push(dmBody{To: to, Data: payload, Opts: opts})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) sendLoop(gen uint64, stdin io.Writer, die func(error)) {
	enc := json.NewEncoder(stdin)
	for {
		msg, ok := s.queue.Pop()
		if !ok {
			if !s.waitForWakeOrDeath(gen) {
				return
			}
			continue
		}
		if err := enc.Encode(childRecord{Type: recDM, Body: mustMarshal(msg)}); err != nil {
			s.log.Warn().Err(err).Msg("bridge stdin write failed")
			die(err)
			return
		}
	}
}

// waitForWakeOrDeath blocks until either a new send arrives or this
// incarnation has died, returning false in the latter case.
func (s *Supervisor) waitForWakeOrDeath(gen uint64) bool {
	for {
		s.mu.Lock()
		alive := s.running && s.gen == gen
		s.mu.Unlock()
		if !alive {
			return false
		}
		select {
		case <-s.wake:
			return true
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// onDeath runs once per incarnation when the child process exits (for
// any reason, including a supervisor-initiated kill on probe_exit). It
// fires the absent-address callback and schedules a restart after the
// current backoff delay, doubling the delay on the next failure.
func (s *Supervisor) onDeath(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopped := s.stopped
	s.mu.Unlock()

	s.log.Warn().Err(cause).Msg("bridge child died")
	if s.onAddress != nil {
		s.onAddress("", false)
	}
	if stopped {
		return
	}

	delay := s.backoff.NextBackOff()
	util.SafeGo(func() {
		time.Sleep(delay)
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.spawnOnce(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("bridge restart attempt failed, will retry")
			s.onDeath(gen, err)
		}
	})
}

// Shutdown stops the supervisor: sets the stop flag, closes the
// child's stdin, terminates the child, and releases the address.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	s.wg.Wait()
}
