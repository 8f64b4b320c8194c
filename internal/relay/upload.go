package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overlay-relay/router/internal/types"
)

// uploadTable is the per-node table of in-flight upload sessions keyed
// by upload_id (spec.md §3, §4.3). The inbound handlers and the cleanup
// sweeper both modify it, always under mu.
type uploadTable struct {
	mu       sync.Mutex
	sessions map[string]*types.UploadSession
}

func newUploadTable() *uploadTable {
	return &uploadTable{sessions: make(map[string]*types.UploadSession)}
}

const (
	uploadGraceWindow    = 2 * time.Second
	uploadResendInterval = 1 * time.Second
	uploadStaleTimeout   = 20 * time.Second
	uploadGiveUpAfter    = 10 * time.Second
	uploadSweepInterval  = 2 * time.Second
)

func (n *Node) handleUploadBegin(src string, body json.RawMessage) {
	var begin types.UploadBegin
	if err := json.Unmarshal(body, &begin); err != nil {
		n.emitError(src, "", 0, fmt.Sprintf("malformed upload.begin: %v", err))
		return
	}
	if begin.UploadID == "" {
		n.emitError(src, "", 0, "upload.begin missing upload_id")
		return
	}

	n.uploads.mu.Lock()
	defer n.uploads.mu.Unlock()

	sess, exists := n.uploads.sessions[begin.UploadID]
	if !exists {
		req := types.HTTPRequestDescriptor{}
		if begin.Req != nil {
			normalized, err := normalizeGenericDescriptor(begin.Req)
			if err != nil {
				n.emitError(src, "", 0, fmt.Sprintf("upload.begin: %v", err))
				return
			}
			req = normalized
		}
		sess = &types.UploadSession{
			UploadID:    begin.UploadID,
			Source:      src,
			Req:         req,
			ContentType: begin.ContentType,
			Total:       begin.Total,
			Chunks:      make([][]byte, begin.Total),
			CreatedAt:   time.Now(),
		}
		n.uploads.sessions[begin.UploadID] = sess
		return
	}

	// Chunks arrived first: merge, never overwriting populated fields.
	if sess.Total == 0 && begin.Total > 0 {
		sess.Total = begin.Total
		if len(sess.Chunks) < begin.Total {
			grown := make([][]byte, begin.Total)
			copy(grown, sess.Chunks)
			sess.Chunks = grown
		}
	}
	if sess.ContentType == "" {
		sess.ContentType = begin.ContentType
	}
	if sess.Req.Method == "" && begin.Req != nil {
		normalized, err := normalizeGenericDescriptor(begin.Req)
		if err == nil {
			sess.Req = normalized
		}
	}
}

func (n *Node) handleUploadChunk(src string, body json.RawMessage) {
	var chunk types.UploadChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		n.emitError(src, "", 0, fmt.Sprintf("malformed upload.chunk: %v", err))
		return
	}

	maxChunk := n.http.ChunkUploadB
	if maxChunk <= 0 {
		maxChunk = 600 * 1024
	}

	data, err := decodeBase64(chunk.B64)
	if err != nil {
		n.emitError(src, "", 0, fmt.Sprintf("upload.chunk: invalid base64: %v", err))
		return
	}
	if len(data) > maxChunk {
		n.uploads.mu.Lock()
		delete(n.uploads.sessions, chunk.UploadID)
		n.uploads.mu.Unlock()
		n.emitError(src, "", 0, fmt.Sprintf("upload chunk exceeds %d bytes", maxChunk))
		return
	}

	n.uploads.mu.Lock()
	sess, exists := n.uploads.sessions[chunk.UploadID]
	if !exists {
		if chunk.Req == nil {
			n.uploads.mu.Unlock()
			// Expected for retransmissions arriving after completion: drop silently.
			return
		}
		req, err := normalizeGenericDescriptor(chunk.Req)
		if err != nil {
			n.uploads.mu.Unlock()
			n.emitError(src, "", 0, fmt.Sprintf("upload.chunk: %v", err))
			return
		}
		total := chunk.Total
		if total < chunk.Seq {
			total = chunk.Seq
		}
		sess = &types.UploadSession{
			UploadID:    chunk.UploadID,
			Source:      src,
			Req:         req,
			ContentType: chunk.ContentType,
			Total:       total,
			Chunks:      make([][]byte, total),
			CreatedAt:   time.Now(),
		}
		n.uploads.sessions[chunk.UploadID] = sess
	}

	if chunk.Seq < 1 || (sess.Total > 0 && chunk.Seq > sess.Total) {
		n.uploads.mu.Unlock()
		n.emitError(src, "", 0, fmt.Sprintf("upload.chunk: seq %d out of range [1,%d]", chunk.Seq, sess.Total))
		return
	}

	idx := chunk.Seq - 1
	if idx >= len(sess.Chunks) {
		grown := make([][]byte, idx+1)
		copy(grown, sess.Chunks)
		sess.Chunks = grown
	}
	if sess.Chunks[idx] == nil {
		sess.Got++
	}
	sess.Chunks[idx] = data
	sess.LastChunkAt = time.Now()
	n.uploads.mu.Unlock()

	n.tryFinalize(chunk.UploadID)
}

func (n *Node) handleUploadEnd(src string, body json.RawMessage) {
	var end types.UploadEnd
	if err := json.Unmarshal(body, &end); err != nil {
		return
	}
	n.uploads.mu.Lock()
	sess, exists := n.uploads.sessions[end.UploadID]
	if !exists {
		n.uploads.mu.Unlock()
		return // late/retried end after finalization: no-op
	}
	if sess.Ended {
		n.uploads.mu.Unlock()
		return
	}
	sess.Ended = true
	sess.EndReceivedAt = time.Now()
	n.uploads.mu.Unlock()

	n.tryFinalize(end.UploadID)
}

func (n *Node) handleUploadMissingResend(src string, missing types.ResponseMissing) {
	// A client would not normally send this; present for symmetry with
	// the node-initiated upload.missing request. No-op on receipt.
	_ = src
	_ = missing
}

// tryFinalize implements the finalize/grace/resend-request state
// machine from spec.md §4.3.
func (n *Node) tryFinalize(uploadID string) {
	n.uploads.mu.Lock()
	sess, exists := n.uploads.sessions[uploadID]
	if !exists {
		n.uploads.mu.Unlock()
		return
	}

	if sess.Complete() {
		delete(n.uploads.sessions, uploadID)
		n.uploads.mu.Unlock()
		n.finalizeAndEnqueue(sess)
		return
	}

	if !sess.Ended {
		n.uploads.mu.Unlock()
		return
	}

	now := time.Now()
	since := now.Sub(sess.EndReceivedAt)

	if since < uploadGraceWindow {
		n.uploads.mu.Unlock()
		return
	}

	if sess.MissingRequested.IsZero() {
		missing := missingSeqs(sess)
		sess.MissingRequested = now
		n.uploads.mu.Unlock()
		n.send(sess.Source, "http.upload.missing", types.UploadMissing{
			UploadID: uploadID, Missing: missing, Total: sess.Total, Got: sess.Got,
		})
		return
	}

	if now.Sub(sess.MissingRequested) < uploadResendInterval {
		n.uploads.mu.Unlock()
		return
	}

	missing := missingSeqs(sess)
	sess.MissingRequested = now
	n.uploads.mu.Unlock()
	n.send(sess.Source, "http.upload.missing", types.UploadMissing{
		UploadID: uploadID, Missing: missing, Total: sess.Total, Got: sess.Got,
	})
}

func missingSeqs(sess *types.UploadSession) []int {
	var out []int
	for i, c := range sess.Chunks {
		if c == nil {
			out = append(out, i+1)
		}
	}
	return out
}

func (n *Node) finalizeAndEnqueue(sess *types.UploadSession) {
	body := sess.Concat()
	req := sess.Req
	req.Body = body
	if sess.ContentType != "" {
		req.ContentType = sess.ContentType
	}
	if req.Method == "" {
		req.Method = "POST"
	}
	n.enqueue(types.Job{
		ID:        uuid.NewString(),
		Source:    sess.Source,
		RequestID: uuid.NewString(),
		Req:       req,
		CreatedAt: time.Now(),
	})
}

// runUploadSweeper is the background cleanup loop from spec.md §4.3,
// applying the timeout/give-up rules every uploadSweepInterval.
func (n *Node) runUploadSweeper() {
	defer n.wg.Done()
	ticker := time.NewTicker(uploadSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case now := <-ticker.C:
			n.sweepUploads(now)
		}
	}
}

func (n *Node) sweepUploads(now time.Time) {
	var (
		timedOut    []*types.UploadSession
		toFinalize  []*types.UploadSession
		toResendNow []string
	)

	n.uploads.mu.Lock()
	for id, sess := range n.uploads.sessions {
		age := now.Sub(sess.CreatedAt)

		switch {
		case sess.Got == 0 && age >= uploadStaleTimeout:
			timedOut = append(timedOut, sess)
			delete(n.uploads.sessions, id)

		case sess.Got > 0 && !sess.Ended && age >= uploadStaleTimeout:
			toFinalize = append(toFinalize, sess)
			delete(n.uploads.sessions, id)

		case sess.Ended && !sess.MissingRequested.IsZero() && now.Sub(sess.MissingRequested) >= uploadGiveUpAfter:
			toFinalize = append(toFinalize, sess)
			delete(n.uploads.sessions, id)

		case sess.Ended && sess.MissingRequested.IsZero() && now.Sub(sess.EndReceivedAt) >= uploadGraceWindow:
			toResendNow = append(toResendNow, id)
		}
	}
	n.uploads.mu.Unlock()

	for _, sess := range timedOut {
		n.emitError(sess.Source, "", 408, "upload timed out before chunks arrived")
	}
	for _, sess := range toFinalize {
		n.finalizeAndEnqueue(sess)
	}
	for _, id := range toResendNow {
		n.tryFinalize(id)
	}
}

// normalizeGenericDescriptor adapts a raw req sub-record (as carried by
// upload begin/chunk messages) into an HTTPRequestDescriptor using the
// same body/header resolution as a generic http.request.
func normalizeGenericDescriptor(req *types.GenericRequest) (types.HTTPRequestDescriptor, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return types.HTTPRequestDescriptor{}, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return types.HTTPRequestDescriptor{}, err
	}
	return normalizeGeneric(map[string]any{"req": asMap})
}
