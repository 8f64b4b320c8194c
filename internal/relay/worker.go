package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/overlay-relay/router/internal/types"
	"github.com/overlay-relay/router/internal/util"
)

func (n *Node) runWorker(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case job := <-n.jobs:
			n.processJob(ctx, job)
		}
	}
}

// processJob walks the per-request state machine from spec.md §4.2:
// resolving -> sending -> (streaming? chunks|lines loop : single) -> done.
func (n *Node) processJob(ctx context.Context, job types.Job) {
	start := time.Now()

	targetURL, port, err := n.resolveURL(job.Req)
	if err != nil {
		n.emitError(job.Source, job.RequestID, 0, fmt.Sprintf("resolving target: %v", err))
		return
	}

	if !n.portAllowed(port) {
		n.emitError(job.Source, job.RequestID, 0, fmt.Sprintf("port isolation: port %d is not whitelisted for %s", port, n.service.Name))
		n.log.Warn().Int("port", port).Str("request_id", job.RequestID).Msg("port isolation rejected request")
		return
	}

	// Log only the path, not the full target URL: a caller-supplied "url"
	// field may carry query parameters or tokens that don't belong in logs.
	n.log.Debug().Str("request_id", job.RequestID).Str("path", util.ExtractURLPath(targetURL)).Msg("dispatching request")

	resp, err := n.doHTTPWithRetry(ctx, targetURL, job.Req)
	if err != nil {
		n.emitError(job.Source, job.RequestID, 0, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	n.trackRateLimit(resp.StatusCode)

	bytesIn := int64(len(job.Req.Body))
	bytesOut := n.emitResponse(job, resp)

	if n.stats != nil {
		n.stats.RecordRequest(n.service.Name, bytesIn, bytesOut, time.Since(start))
	}
}

// portAllowed checks the whitelist and — on a single rejection — tries
// the on-demand whitelisting path (spec.md §4.4) exactly once. When
// isolation is disabled at runtime, every port is accepted.
func (n *Node) portAllowed(port int) bool {
	if n.fw == nil || !n.fw.Enabled() {
		return true
	}
	if n.whitelist.Allowed(port) {
		return true
	}
	if n.onDemand == nil {
		return false
	}
	return n.onDemand.TryOnDemand(n.service, port)
}

// doHTTPWithRetry issues the request with up to Retries attempts,
// retrying only transport-level errors, never non-2xx responses
// (spec.md §4.2 step 2).
func (n *Node) doHTTPWithRetry(ctx context.Context, targetURL string, req types.HTTPRequestDescriptor) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = durationFromSeconds(n.http.RetryBackoff)
	b.MaxInterval = durationFromSeconds(n.http.RetryCap)
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	retries := n.http.Retries
	if retries <= 0 {
		retries = 4
	}
	// Retries counts total attempts, so the first try plus Retries-1 retries.
	policy := backoff.WithMaxRetries(b, uint64(retries-1))

	var resp *http.Response
	op := func() error {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, targetURL, bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}
		if req.ContentType != "" && httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", req.ContentType)
		}

		client := n.clientFor(req)
		r, err := client.Do(httpReq)
		if err != nil {
			return err // transport error: retried
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *Node) clientFor(req types.HTTPRequestDescriptor) *http.Client {
	if n.fw == nil {
		return n.client
	}
	transport := &http.Transport{DialContext: n.fw.DialContext}
	if req.InsecureTLS || !req.VerifyTLS {
		transport.TLSClientConfig = insecureTLSConfig()
	}
	return &http.Client{Transport: transport}
}

func durationFromSeconds(s float64) time.Duration {
	if s <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(s * float64(time.Second))
}

// emitResponse picks one of the three framings and streams the
// upstream response body through it, returning total bytes written.
func (n *Node) emitResponse(job types.Job, resp *http.Response) int64 {
	contentType := resp.Header.Get("Content-Type")
	mode := job.Req.Stream

	switch {
	case mode.IsChunkFraming() || n.service.DefaultStream:
		return n.emitChunkedStream(job, resp)
	case mode.IsLineFraming() || strings.Contains(contentType, "text/event-stream") || strings.Contains(contentType, "application/x-ndjson"):
		return n.emitLineStream(job, resp)
	default:
		return n.emitSingleResponse(job, resp, contentType)
	}
}

func headersOfResponse(resp *http.Response) map[string]string {
	out := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		out[k] = resp.Header.Get(k)
	}
	return out
}

// emitSingleResponse is the default framing (spec.md §4.2 framing 1):
// body truncated at max_body, decoded structurally if JSON (with the
// license-field redaction), else base64.
func (n *Node) emitSingleResponse(job types.Job, resp *http.Response, contentType string) int64 {
	maxBody := n.http.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 2 * 1024 * 1024
	}

	limited := io.LimitReader(resp.Body, maxBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		n.emitError(job.Source, job.RequestID, resp.StatusCode, fmt.Sprintf("reading response body: %v", err))
		return 0
	}

	truncated := int64(len(data)) > maxBody
	if truncated {
		data = data[:maxBody]
	}

	out := types.Response{
		ID:        job.RequestID,
		OK:        resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:    resp.StatusCode,
		Headers:   headersOfResponse(resp),
		Truncated: truncated,
	}

	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			redacted := redactLicenseFields(decoded)
			if raw, err := json.Marshal(redacted); err == nil {
				out.JSON = raw
			}
		}
	}
	if out.JSON == nil {
		out.BodyB64 = encodeBase64(data)
	}

	n.send(job.Source, "relay.response", out)
	return int64(len(data))
}

// emitLineStream is framing 2: response.begin, batched response.lines
// flushed at >=24 lines or 80ms, heartbeats at heartbeat_s, response.end.
func (n *Node) emitLineStream(job types.Job, resp *http.Response) int64 {
	n.send(job.Source, "relay.response.begin", types.ResponseBegin{
		ID:      job.RequestID,
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Headers: headersOfResponse(resp),
		TS:      time.Now().Unix(),
	})

	batchSize := n.http.BatchLines
	if batchSize <= 0 {
		batchSize = 24
	}
	batchLatency := durationFromSeconds(n.http.BatchLatency)
	heartbeat := time.Duration(n.http.HeartbeatS) * time.Second
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}

	var (
		batch       []types.LineEntry
		seq         int
		totalBytes  int64
		doneSeen    bool
		lastFlushAt = time.Now()
		lastTraffic = time.Now()
	)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		n.send(job.Source, "relay.response.lines", types.ResponseLines{ID: job.RequestID, Lines: batch})
		batch = nil
		lastFlushAt = time.Now()
		lastTraffic = time.Now()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lines := make(chan string)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	ticker := time.NewTicker(batchLatency)
	defer ticker.Stop()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			seq++
			totalBytes += int64(len(line)) + 1
			if isDoneMarker(line) {
				doneSeen = true
			}
			batch = append(batch, types.LineEntry{Seq: seq, TS: time.Now().Unix(), Line: line})
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 && time.Since(lastFlushAt) >= batchLatency {
				flush()
			}
			if time.Since(lastTraffic) >= heartbeat {
				n.send(job.Source, "relay.response.keepalive", types.ResponseKeepalive{ID: job.RequestID, TS: time.Now().Unix()})
				lastTraffic = time.Now()
			}
		}
	}
	<-scanDone
	flush()

	n.send(job.Source, "relay.response.end", types.ResponseEnd{
		ID:       job.RequestID,
		OK:       resp.StatusCode >= 200 && resp.StatusCode < 300,
		Bytes:    totalBytes,
		LastSeq:  seq,
		Lines:    seq,
		DoneSeen: doneSeen,
	})
	return totalBytes
}

func isDoneMarker(line string) bool {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "data:")
	trimmed = strings.TrimSpace(trimmed)
	return trimmed == "[DONE]" || strings.Contains(trimmed, `"done":true`) || strings.Contains(trimmed, `"done": true`)
}

// emitChunkedStream is framing 3: response.begin, response.chunk per
// ~chunk_raw_b bytes (populating the replay cache), heartbeats,
// response.end; the cache is retained ~5s after end for resends.
func (n *Node) emitChunkedStream(job types.Job, resp *http.Response) int64 {
	n.send(job.Source, "relay.response.begin", types.ResponseBegin{
		ID:            job.RequestID,
		OK:            resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:        resp.StatusCode,
		Headers:       headersOfResponse(resp),
		ContentLength: resp.ContentLength,
		TS:            time.Now().Unix(),
	})

	chunkSize := n.http.ChunkRawB
	if chunkSize <= 0 {
		chunkSize = 12 * 1024
	}
	heartbeat := time.Duration(n.http.HeartbeatS) * time.Second
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}

	buf := make([]byte, chunkSize)
	seq := 0
	var totalBytes int64
	lastTraffic := time.Now()

	done := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				close(heartbeatDone)
				return
			case <-ticker.C:
				if time.Since(lastTraffic) >= heartbeat {
					n.send(job.Source, "relay.response.keepalive", types.ResponseKeepalive{ID: job.RequestID, TS: time.Now().Unix()})
				}
			}
		}
	}()

	for {
		rn, err := resp.Body.Read(buf)
		if rn > 0 {
			seq++
			chunk := make([]byte, rn)
			copy(chunk, buf[:rn])
			n.replay.Put(job.RequestID, seq, chunk)
			n.send(job.Source, "relay.response.chunk", types.ResponseChunk{ID: job.RequestID, Seq: seq, B64: encodeBase64(chunk)})
			totalBytes += int64(rn)
			lastTraffic = time.Now()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			close(done)
			<-heartbeatDone
			n.replay.MarkEnded(job.RequestID)
			n.send(job.Source, "relay.response.end", types.ResponseEnd{
				ID: job.RequestID, OK: false, Bytes: totalBytes, LastSeq: seq, Error: err.Error(),
			})
			return totalBytes
		}
	}

	close(done)
	<-heartbeatDone
	n.replay.MarkEnded(job.RequestID)
	n.send(job.Source, "relay.response.end", types.ResponseEnd{
		ID: job.RequestID, OK: resp.StatusCode >= 200 && resp.StatusCode < 300, Bytes: totalBytes, LastSeq: seq,
	})
	return totalBytes
}

// trackRateLimit feeds the rate-limit accumulator and trips the
// Router's rotation hook once the sustained-60s threshold is crossed
// (spec.md §4.2).
func (n *Node) trackRateLimit(status int) {
	if status == http.StatusTooManyRequests {
		if n.rate.RecordHit(time.Now()) && n.rotator != nil {
			n.rotator.RequestRotation(n.service.Name)
		}
		return
	}
	if status >= 200 && status < 300 {
		n.rate.Clear()
	}
}

func (n *Node) runReplaySweeper() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case now := <-ticker.C:
			n.replay.Sweep(now)
		}
	}
}
