// Package relay implements Layer L1 — one Relay Node per service: the
// inbound dispatcher, the HTTP worker pool, the upload reassembler, the
// response replay cache, and the rate-limit accumulator (spec.md §4.2).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/firewall"
	"github.com/overlay-relay/router/internal/types"
)

// Sender is the outbound half of the bridge supervisor contract a node
// needs (spec.md §4.1's send(to, payload, opts)).
type Sender interface {
	Send(to string, payload json.RawMessage, opts *SendOpts)
}

// SendOpts mirrors bridge.SendOpts without importing the bridge
// package, keeping relay decoupled from L0's transport details.
type SendOpts struct {
	TimeoutMs int
}

// Assignment answers "who owns this service right now", the question
// every inbound request must pass before a node will act on it
// (spec.md §4.2's assignment check, §4.5's assignment map).
type Assignment interface {
	Owner(service string) (nodeID, addr string, ok bool)
}

// Rotator is the Router's seed-rotation hook, tripped when a node's
// rate-limit accumulator sustains 429s for 60s (spec.md §4.2, §4.5).
type Rotator interface {
	RequestRotation(service string)
}

// OnDemandWhitelister is the firewall's on-demand whitelisting step
// (spec.md §4.4), invoked once per rejected port before giving up.
type OnDemandWhitelister interface {
	TryOnDemand(svc types.ServiceDefinition, port int) bool
}

// Deps bundles a Node's collaborators so construction reads as one
// call instead of a long positional parameter list.
type Deps struct {
	NodeID     string
	Service    types.ServiceDefinition
	HTTP       config.HTTPParams
	Sender     Sender
	Assignment Assignment
	Rotator    Rotator
	Stats      collab.StatsCollector
	Firewall   *firewall.Firewall
	Whitelist  *firewall.Whitelist
	OnDemand   OnDemandWhitelister
	Log        zerolog.Logger
}

// Node is the router-side actor representing one service.
type Node struct {
	id      string
	service types.ServiceDefinition
	http    config.HTTPParams

	sender     Sender
	assignment Assignment
	rotator    Rotator
	stats      collab.StatsCollector
	fw         *firewall.Firewall
	whitelist  *firewall.Whitelist
	onDemand   OnDemandWhitelister
	log        zerolog.Logger

	client *http.Client

	addrMu  sync.RWMutex
	address string
	hasAddr bool

	jobs chan types.Job

	uploads *uploadTable

	replay *types.ReplayCache
	rate   *types.RateLimitAccumulator

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const jobQueueCapacity = 256

// New constructs a Node. Call Start to launch its worker pool and
// background sweepers.
func New(d Deps) *Node {
	return &Node{
		id:         d.NodeID,
		service:    d.Service,
		http:       d.HTTP,
		sender:     d.Sender,
		assignment: d.Assignment,
		rotator:    d.Rotator,
		stats:      d.Stats,
		fw:         d.Firewall,
		whitelist:  d.Whitelist,
		onDemand:   d.OnDemand,
		log:        d.Log.With().Str("node", d.NodeID).Str("service", d.Service.Name).Logger(),
		client:     &http.Client{},
		jobs:       make(chan types.Job, jobQueueCapacity),
		uploads:    newUploadTable(),
		replay:     types.NewReplayCache(),
		rate:       &types.RateLimitAccumulator{},
		stopCh:     make(chan struct{}),
	}
}

// ID returns the node's identifier, used in assignment/redirect records.
func (n *Node) ID() string { return n.id }

// CurrentAddress returns the node's current overlay address, if any.
func (n *Node) CurrentAddress() (string, bool) {
	n.addrMu.RLock()
	defer n.addrMu.RUnlock()
	return n.address, n.hasAddr
}

// SetAddress is wired as the bridge supervisor's on_address callback.
func (n *Node) SetAddress(addr string, ok bool) {
	n.addrMu.Lock()
	n.address = addr
	n.hasAddr = ok
	n.addrMu.Unlock()
}

// SetSender binds the node's outbound transport after construction,
// needed because a node and its bridge supervisor reference each other
// (the supervisor's on_inbound callback is the node itself).
func (n *Node) SetSender(s Sender) {
	n.sender = s
}

// Start launches the worker pool and the upload-session cleanup
// sweeper (spec.md §5: "one upload cleanup sweeper, and N HTTP workers").
func (n *Node) Start(ctx context.Context) {
	workers := n.http.Workers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.runWorker(ctx)
	}
	n.wg.Add(2)
	go n.runUploadSweeper()
	go n.runReplaySweeper()
}

// Stop shuts the worker pool down cooperatively: it closes stopCh, which
// every worker and sweeper watches, then waits for them to return. A
// worker finishes the job it is processing; jobs still queued and not
// yet picked up are not processed.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	n.wg.Wait()
}

// HandleInbound is wired as the bridge supervisor's on_inbound
// callback: classify, check assignment, normalize, enqueue.
func (n *Node) HandleInbound(src string, raw json.RawMessage) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		n.log.Warn().Err(err).Msg("malformed inbound envelope, ignoring")
		return
	}

	switch env.Type {
	case "ping":
		n.replyPong(src)
		return
	case "info":
		n.replyInfo(src)
		return
	case "http.upload.begin":
		n.handleUploadBegin(src, env.Body)
		return
	case "http.upload.chunk":
		n.handleUploadChunk(src, env.Body)
		return
	case "http.upload.end":
		n.handleUploadEnd(src, env.Body)
		return
	case "relay.response.missing":
		n.handleResendRequest(src, env.Body)
		return
	case "__self_probe__":
		return
	}

	// Everything else is a normalizable request shape: ASR lifecycle,
	// browser lifecycle, or the generic http.request/relay.http/relay.fetch
	// envelope (spec.md §4.2's "Service-specific request shapes" row).
	n.handleRequestEvent(src, env.Type, env.Body)
}

func (n *Node) handleRequestEvent(src, eventType string, body json.RawMessage) {
	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		n.emitError(src, "", 0, fmt.Sprintf("malformed %s body: %v", eventType, err))
		return
	}

	req, err := normalize(eventType, msg)
	if err != nil {
		n.emitError(src, "", 0, err.Error())
		return
	}

	if !n.checkAssignment(src, req.Service) {
		return
	}

	requestID := uuid.NewString()
	n.enqueue(types.Job{
		ID:        uuid.NewString(),
		Source:    src,
		RequestID: requestID,
		Req:       req,
		CreatedAt: time.Now(),
	})
}

// checkAssignment implements spec.md §4.2's assignment check: if the
// service belongs to another node, or no node, emit a redirect and
// refuse to enqueue. Returns true iff this node owns the service.
func (n *Node) checkAssignment(src, service string) bool {
	if service == "" || n.service.MatchesName(service) {
		return true
	}
	ownerID, addr, ok := n.assignment.Owner(service)
	if !ok {
		n.send(src, "relay.redirect", types.Redirect{Service: service, Error: "service offline"})
		return false
	}
	n.send(src, "relay.redirect", types.Redirect{Service: service, Node: ownerID, Addr: addr})
	return false
}

func (n *Node) enqueue(job types.Job) {
	select {
	case n.jobs <- job:
	case <-n.stopCh:
	}
}

func (n *Node) replyPong(src string) {
	addr, _ := n.CurrentAddress()
	n.send(src, "relay.pong", types.Pong{Address: addr, TS: time.Now().Unix()})
}

func (n *Node) replyInfo(src string) {
	assignment := map[string]string{n.service.Name: n.id}
	n.send(src, "relay.info", types.Info{
		Services:   append([]string{n.service.Name}, n.service.Aliases...),
		Workers:    n.http.Workers,
		MaxBody:    n.http.MaxBodyBytes,
		Assignment: assignment,
	})
}

func (n *Node) handleResendRequest(src string, body json.RawMessage) {
	var missing types.ResponseMissing
	if err := json.Unmarshal(body, &missing); err != nil {
		return
	}
	if missing.UploadID != "" {
		n.handleUploadMissingResend(src, missing)
		return
	}
	for _, seq := range missing.Missing {
		data, ok := n.replay.Get(missing.ID, seq)
		if !ok {
			continue
		}
		n.send(src, "relay.response.chunk", types.ResponseChunk{ID: missing.ID, Seq: seq, B64: encodeBase64(data)})
	}
}

func (n *Node) emitError(src, requestID string, status int, msg string) {
	n.send(src, "relay.response", types.Response{
		ID:     requestID,
		OK:     false,
		Status: status,
		Error:  msg,
	})
}

func (n *Node) send(to, msgType string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		n.log.Error().Err(err).Str("type", msgType).Msg("failed to marshal outbound message")
		return
	}
	envelope, err := json.Marshal(types.Envelope{Type: msgType, Body: payload})
	if err != nil {
		return
	}
	n.sender.Send(to, envelope, nil)
}

// resolveURL builds the destination URL for a request descriptor and
// returns its numeric port, defaulting 80/443 by scheme (spec.md §4.4).
func (n *Node) resolveURL(req types.HTTPRequestDescriptor) (string, int, error) {
	base := req.URL
	if base == "" {
		base = n.service.TargetURL
		if req.Path != "" {
			base = joinURL(base, req.Path)
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", 0, fmt.Errorf("parsing target URL: %w", err)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return u.String(), portNum, nil
}

func joinURL(base, path string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return base + path
}
