package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/logging"
	"github.com/overlay-relay/router/internal/types"
)

type capturedSend struct {
	to   string
	env  types.Envelope
}

type fakeSender struct {
	sent []capturedSend
}

func (f *fakeSender) Send(to string, payload json.RawMessage, opts *SendOpts) {
	var env types.Envelope
	_ = json.Unmarshal(payload, &env)
	f.sent = append(f.sent, capturedSend{to: to, env: env})
}

type fakeAssignment struct {
	owners map[string]string
	addrs  map[string]string
}

func (f *fakeAssignment) Owner(service string) (string, string, bool) {
	id, ok := f.owners[service]
	if !ok {
		return "", "", false
	}
	return id, f.addrs[service], true
}

func newTestNode(t *testing.T, svc types.ServiceDefinition, sender *fakeSender, assign *fakeAssignment) *Node {
	t.Helper()
	return New(Deps{
		NodeID:     "node-1",
		Service:    svc,
		HTTP:       config.DefaultHTTPParams(),
		Sender:     sender,
		Assignment: assign,
		Stats:      collab.NoopStats{},
		Log:        logging.Nop(),
	})
}

func envelope(t *testing.T, typ string, body any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	raw, err := json.Marshal(types.Envelope{Type: typ, Body: b})
	require.NoError(t, err)
	return raw
}

func TestNode_PingRepliesPong(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode(t, types.ServiceDefinition{Name: "asr"}, sender, &fakeAssignment{})
	n.SetAddress("relay-addr-1", true)

	n.HandleInbound("peer-1", envelope(t, "ping", struct{}{}))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "relay.pong", sender.sent[0].env.Type)
	var pong types.Pong
	require.NoError(t, json.Unmarshal(sender.sent[0].env.Body, &pong))
	require.Equal(t, "relay-addr-1", pong.Address)
}

func TestNode_InfoRepliesServiceList(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode(t, types.ServiceDefinition{Name: "asr", Aliases: []string{"speech"}}, sender, &fakeAssignment{})

	n.HandleInbound("peer-1", envelope(t, "info", struct{}{}))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "relay.info", sender.sent[0].env.Type)
	var info types.Info
	require.NoError(t, json.Unmarshal(sender.sent[0].env.Body, &info))
	require.Contains(t, info.Services, "asr")
	require.Contains(t, info.Services, "speech")
}

func TestNode_AssignmentRedirectToOtherNode(t *testing.T) {
	sender := &fakeSender{}
	assign := &fakeAssignment{
		owners: map[string]string{"tts": "node-2"},
		addrs:  map[string]string{"tts": "addr-2"},
	}
	n := newTestNode(t, types.ServiceDefinition{Name: "asr"}, sender, assign)

	body, _ := json.Marshal(map[string]any{
		"req": map[string]any{"service": "tts", "path": "/speak", "method": "POST"},
	})
	n.HandleInbound("peer-1", envelope(t, "http.request", json.RawMessage(body)))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "relay.redirect", sender.sent[0].env.Type)
	var redirect types.Redirect
	require.NoError(t, json.Unmarshal(sender.sent[0].env.Body, &redirect))
	require.Equal(t, "node-2", redirect.Node)
	require.Equal(t, "addr-2", redirect.Addr)
}

func TestNode_AssignmentRedirectServiceOffline(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode(t, types.ServiceDefinition{Name: "asr"}, sender, &fakeAssignment{})

	body, _ := json.Marshal(map[string]any{
		"req": map[string]any{"service": "unknown_svc", "path": "/x", "method": "GET"},
	})
	n.HandleInbound("peer-1", envelope(t, "http.request", json.RawMessage(body)))

	require.Len(t, sender.sent, 1)
	require.Equal(t, "relay.redirect", sender.sent[0].env.Type)
	var redirect types.Redirect
	require.NoError(t, json.Unmarshal(sender.sent[0].env.Body, &redirect))
	require.NotEmpty(t, redirect.Error)
}

func TestNode_OwnServiceRequestEnqueues(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNode(t, types.ServiceDefinition{Name: "asr", TargetURL: "http://127.0.0.1:5000"}, sender, &fakeAssignment{})

	body, _ := json.Marshal(map[string]any{
		"req": map[string]any{"service": "asr", "path": "/tags", "method": "GET"},
	})
	n.HandleInbound("peer-1", envelope(t, "http.request", json.RawMessage(body)))

	require.Empty(t, sender.sent, "no redirect or error expected for an owned service request")
	select {
	case job := <-n.jobs:
		require.Equal(t, "asr", job.Req.Service)
		require.Equal(t, "/tags", job.Req.Path)
	default:
		t.Fatal("expected a job to be enqueued")
	}
}
