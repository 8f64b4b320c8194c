// Package bridge implements Layer L0 — one Bridge Supervisor per
// service, owning a child process that speaks the overlay transport
// over line-delimited stdin/stdout records (spec.md §4.1).
package bridge

import "encoding/json"

// recordType discriminates the line-delimited child protocol records.
type recordType string

const (
	recReady   recordType = "ready"
	recStatus  recordType = "status"
	recInbound recordType = "inbound"
	recError   recordType = "error"
	recDM      recordType = "dm"
)

// childRecord is the outer envelope for every line on the child's
// stdout, and for the one record type (dm) the supervisor writes to
// the child's stdin.
type childRecord struct {
	Type recordType      `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// readyBody carries the overlay address the child was assigned.
type readyBody struct {
	Address string `json:"address"`
}

// statusBody reports child-observed liveness state; state "probe_exit"
// is treated identically to a process exit by the restart policy.
type statusBody struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

const statusProbeExit = "probe_exit"

// inboundBody carries one directed message delivered to this identity.
type inboundBody struct {
	Src string          `json:"src"`
	Msg json.RawMessage `json:"msg"`
}

// errorBody carries a fatal or informational error from the child.
type errorBody struct {
	Msg string `json:"msg"`
}

// SendOpts are the optional parameters of an outbound directed message.
type SendOpts struct {
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// dmBody is written to the child's stdin for every outbound send.
type dmBody struct {
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
	Opts *SendOpts       `json:"opts,omitempty"`
}
