package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/firewall"
	"github.com/overlay-relay/router/internal/logging"
	"github.com/overlay-relay/router/internal/types"
)

func newWorkerTestNode(t *testing.T, targetURL string) (*Node, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	wl := firewall.NewWhitelist(nil)
	fw := firewall.New(false, wl, logging.Nop())
	n := New(Deps{
		NodeID:     "node-1",
		Service:    types.ServiceDefinition{Name: "asr", TargetURL: targetURL},
		HTTP:       config.DefaultHTTPParams(),
		Sender:     sender,
		Assignment: &fakeAssignment{},
		Stats:      collab.NoopStats{},
		Firewall:   fw,
		Whitelist:  wl,
		Log:        logging.Nop(),
	})
	return n, sender
}

func lastEnvelope(t *testing.T, sender *fakeSender) types.Envelope {
	t.Helper()
	require.NotEmpty(t, sender.sent)
	return sender.sent[len(sender.sent)-1].env
}

func TestWorker_SingleResponseJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama","license":"MIT"}`))
	}))
	defer srv.Close()

	n, sender := newWorkerTestNode(t, srv.URL)
	n.processJob(context.Background(), types.Job{
		RequestID: "req-1",
		Req:       types.HTTPRequestDescriptor{Method: "GET"},
	})

	env := lastEnvelope(t, sender)
	require.Equal(t, "relay.response", env.Type)
	var resp types.Response
	require.NoError(t, json.Unmarshal(env.Body, &resp))
	require.True(t, resp.OK)
	require.False(t, resp.Truncated)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(resp.JSON, &decoded))
	require.Equal(t, "[omitted]", decoded["license"])
	require.Equal(t, "llama", decoded["model"])
}

func TestWorker_SingleResponseTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	n, sender := newWorkerTestNode(t, srv.URL)
	n.http.MaxBodyBytes = 10
	n.processJob(context.Background(), types.Job{RequestID: "req-2", Req: types.HTTPRequestDescriptor{Method: "GET"}})

	var resp types.Response
	env := lastEnvelope(t, sender)
	require.NoError(t, json.Unmarshal(env.Body, &resp))
	require.False(t, resp.Truncated, "body of exactly max_body must not be truncated")

	n2, sender2 := newWorkerTestNode(t, srv.URL)
	n2.http.MaxBodyBytes = 9
	n2.processJob(context.Background(), types.Job{RequestID: "req-3", Req: types.HTTPRequestDescriptor{Method: "GET"}})
	var resp2 types.Response
	require.NoError(t, json.Unmarshal(lastEnvelope(t, sender2).Body, &resp2))
	require.True(t, resp2.Truncated, "body one byte over max_body must be truncated")
}

func TestWorker_ChunkedStreamPopulatesReplayCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	n, sender := newWorkerTestNode(t, srv.URL)
	n.processJob(context.Background(), types.Job{
		RequestID: "req-chunked",
		Req:       types.HTTPRequestDescriptor{Method: "GET", Stream: types.StreamChunks},
	})

	var kinds []string
	for _, s := range sender.sent {
		kinds = append(kinds, s.env.Type)
	}
	require.Contains(t, kinds, "relay.response.begin")
	require.Contains(t, kinds, "relay.response.chunk")
	require.Contains(t, kinds, "relay.response.end")

	data, ok := n.replay.Get("req-chunked", 1)
	require.True(t, ok)
	require.NotEmpty(t, data)
}

func TestWorker_LineStreamBatchesAndDetectsDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			w.Write([]byte("line " + string(rune('a'+i)) + "\n"))
		}
		w.Write([]byte(`data: [DONE]` + "\n"))
	}))
	defer srv.Close()

	n, sender := newWorkerTestNode(t, srv.URL)
	n.processJob(context.Background(), types.Job{
		RequestID: "req-lines",
		Req:       types.HTTPRequestDescriptor{Method: "GET"},
	})

	var end types.ResponseEnd
	for _, s := range sender.sent {
		if s.env.Type == "relay.response.end" {
			require.NoError(t, json.Unmarshal(s.env.Body, &end))
		}
	}
	require.True(t, end.DoneSeen)
	require.Equal(t, 4, end.LastSeq)
}

func TestWorker_PortIsolationBlocksNonWhitelistedPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	sender := &fakeSender{}
	wl := firewall.NewWhitelist(nil)
	fw := firewall.New(true, wl, logging.Nop())
	n := New(Deps{
		NodeID:     "node-1",
		Service:    types.ServiceDefinition{Name: "asr", TargetURL: srv.URL},
		HTTP:       config.DefaultHTTPParams(),
		Sender:     sender,
		Assignment: &fakeAssignment{},
		Stats:      collab.NoopStats{},
		Firewall:   fw,
		Whitelist:  wl,
		Log:        logging.Nop(),
	})

	n.processJob(context.Background(), types.Job{RequestID: "req-blocked", Req: types.HTTPRequestDescriptor{Method: "GET"}})

	env := lastEnvelope(t, sender)
	require.Equal(t, "relay.response", env.Type)
	var resp types.Response
	require.NoError(t, json.Unmarshal(env.Body, &resp))
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "port isolation")
}

func TestTrackRateLimit_ClearsOnSuccess(t *testing.T) {
	n, _ := newWorkerTestNode(t, "http://127.0.0.1:1")
	n.rate.RecordHit(time.Now())
	n.trackRateLimit(http.StatusOK)
	require.False(t, n.rate.PendingRotation())
}
