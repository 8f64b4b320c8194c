package relay

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlay-relay/router/internal/collab"
	"github.com/overlay-relay/router/internal/config"
	"github.com/overlay-relay/router/internal/logging"
	"github.com/overlay-relay/router/internal/types"
)

func chunkEnvelope(t *testing.T, uploadID string, seq int, data []byte, req *types.GenericRequest, total int) json.RawMessage {
	t.Helper()
	body := types.UploadChunk{
		UploadID: uploadID,
		Seq:      seq,
		B64:      base64.StdEncoding.EncodeToString(data),
		Req:      req,
		Total:    total,
	}
	return envelope(t, "http.upload.chunk", body)
}

func newUploadTestNode(t *testing.T) (*Node, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	n := New(Deps{
		NodeID:     "node-1",
		Service:    types.ServiceDefinition{Name: "asr", TargetURL: "http://127.0.0.1:5000"},
		HTTP:       config.DefaultHTTPParams(),
		Sender:     sender,
		Assignment: &fakeAssignment{},
		Stats:      collab.NoopStats{},
		Log:        logging.Nop(),
	})
	return n, sender
}

func TestUpload_CompleteInOrderFinalizes(t *testing.T) {
	n, _ := newUploadTestNode(t)
	req := &types.GenericRequest{Service: "asr", Path: "/ingest", Method: "POST"}

	n.HandleInbound("peer-1", chunkEnvelope(t, "up-1", 1, []byte("hel"), req, 2))
	n.HandleInbound("peer-1", chunkEnvelope(t, "up-1", 2, []byte("lo"), nil, 0))
	n.HandleInbound("peer-1", envelope(t, "http.upload.end", types.UploadEnd{UploadID: "up-1"}))

	select {
	case job := <-n.jobs:
		require.Equal(t, []byte("hello"), job.Req.Body)
	default:
		t.Fatal("expected finalized upload to enqueue a job")
	}
}

func TestUpload_OutOfOrderChunksStillConcatInSequence(t *testing.T) {
	n, _ := newUploadTestNode(t)
	req := &types.GenericRequest{Service: "asr", Path: "/ingest", Method: "POST"}

	n.HandleInbound("peer-1", chunkEnvelope(t, "up-2", 2, []byte("B"), nil, 0))
	n.HandleInbound("peer-1", chunkEnvelope(t, "up-2", 1, []byte("A"), req, 2))
	n.HandleInbound("peer-1", envelope(t, "http.upload.end", types.UploadEnd{UploadID: "up-2"}))

	select {
	case job := <-n.jobs:
		require.Equal(t, []byte("AB"), job.Req.Body)
	default:
		t.Fatal("expected finalized upload to enqueue a job")
	}
}

func TestUpload_MissingChunkTriggersResendAfterGraceWindow(t *testing.T) {
	n, sender := newUploadTestNode(t)
	req := &types.GenericRequest{Service: "asr", Path: "/ingest", Method: "POST"}

	n.HandleInbound("peer-1", chunkEnvelope(t, "up-3", 1, []byte("a"), req, 5))
	n.HandleInbound("peer-1", chunkEnvelope(t, "up-3", 2, []byte("b"), nil, 0))
	n.HandleInbound("peer-1", chunkEnvelope(t, "up-3", 3, []byte("c"), nil, 0))
	n.HandleInbound("peer-1", chunkEnvelope(t, "up-3", 5, []byte("e"), nil, 0))
	n.HandleInbound("peer-1", envelope(t, "http.upload.end", types.UploadEnd{UploadID: "up-3"}))

	select {
	case <-n.jobs:
		t.Fatal("must not finalize with a missing chunk before the grace window elapses")
	default:
	}

	n.uploads.mu.Lock()
	sess := n.uploads.sessions["up-3"]
	sess.EndReceivedAt = time.Now().Add(-(uploadGraceWindow + time.Millisecond))
	n.uploads.mu.Unlock()

	n.tryFinalize("up-3")

	require.NotEmpty(t, sender.sent)
	last := sender.sent[len(sender.sent)-1]
	require.Equal(t, "http.upload.missing", last.env.Type)
	var missing types.UploadMissing
	require.NoError(t, json.Unmarshal(last.env.Body, &missing))
	require.Equal(t, []int{4}, missing.Missing)

	n.HandleInbound("peer-1", chunkEnvelope(t, "up-3", 4, []byte("d"), nil, 0))

	select {
	case job := <-n.jobs:
		require.Equal(t, []byte("abcde"), job.Req.Body)
	default:
		t.Fatal("expected finalize after the missing chunk arrives")
	}
}

func TestUpload_OversizedChunkRejectedAndSessionDestroyed(t *testing.T) {
	n, sender := newUploadTestNode(t)
	n.http.ChunkUploadB = 4

	req := &types.GenericRequest{Service: "asr", Path: "/ingest", Method: "POST"}
	n.HandleInbound("peer-1", chunkEnvelope(t, "up-4", 1, []byte("toolong"), req, 1))

	require.NotEmpty(t, sender.sent)
	last := sender.sent[len(sender.sent)-1]
	require.Equal(t, "relay.response", last.env.Type)

	n.uploads.mu.Lock()
	_, exists := n.uploads.sessions["up-4"]
	n.uploads.mu.Unlock()
	require.False(t, exists)
}

func TestUpload_SweeperTimesOutEmptySession(t *testing.T) {
	n, sender := newUploadTestNode(t)
	req := &types.GenericRequest{Service: "asr", Path: "/ingest", Method: "POST"}
	n.HandleInbound("peer-1", envelope(t, "http.upload.begin", types.UploadBegin{UploadID: "up-5", Req: req, Total: 3}))

	n.uploads.mu.Lock()
	sess := n.uploads.sessions["up-5"]
	sess.CreatedAt = time.Now().Add(-(uploadStaleTimeout + time.Second))
	n.uploads.mu.Unlock()

	n.sweepUploads(time.Now())

	require.NotEmpty(t, sender.sent)
	last := sender.sent[len(sender.sent)-1]
	require.Equal(t, "relay.response", last.env.Type)
	var resp types.Response
	require.NoError(t, json.Unmarshal(last.env.Body, &resp))
	require.Equal(t, 408, resp.Status)
}
