package types

import "encoding/json"

// Envelope is the outer shape of every directed overlay message: a
// discriminated union tagged by Type, with the type-specific fields
// carried as raw JSON so classification (spec.md §4.2) can happen
// before a full decode.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// RequestOpts is the options bag carried by most inbound request
// shapes: service-specific timeouts, TLS behavior, and headers.
type RequestOpts struct {
	Service      string            `json:"service,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	TimeoutMs    int               `json:"timeout_ms,omitempty"`
	Verify       *bool             `json:"verify,omitempty"`
	InsecureTLS  bool              `json:"insecure_tls,omitempty"`
	Stream       string            `json:"stream,omitempty"`
}

// GenericRequest is the payload of http.request / relay.http / relay.fetch.
type GenericRequest struct {
	Service        string            `json:"service,omitempty"`
	Target         string            `json:"target,omitempty"`
	Path           string            `json:"path,omitempty"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutMs      int               `json:"timeout_ms,omitempty"`
	BodyB64        string            `json:"body_b64,omitempty"`
	JSON           json.RawMessage   `json:"json,omitempty"`
	Data           string            `json:"data,omitempty"`
	BodyChunksB64  []string          `json:"body_chunks_b64,omitempty"`
	JSONChunksB64  []string          `json:"json_chunks_b64,omitempty"`
	Verify         *bool             `json:"verify,omitempty"`
	InsecureTLS    bool              `json:"insecure_tls,omitempty"`
	Stream         string            `json:"stream,omitempty"`
}

// UploadBegin is http.upload.begin.
type UploadBegin struct {
	UploadID    string          `json:"upload_id"`
	Req         *GenericRequest `json:"req,omitempty"`
	Total       int             `json:"total"`
	ContentType string          `json:"content_type,omitempty"`
}

// UploadChunk is http.upload.chunk.
type UploadChunk struct {
	UploadID    string          `json:"upload_id"`
	Seq         int             `json:"seq"`
	B64         string          `json:"b64"`
	Req         *GenericRequest `json:"req,omitempty"`
	Total       int             `json:"total,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
}

// UploadEnd is http.upload.end.
type UploadEnd struct {
	UploadID string `json:"upload_id"`
}

// ResponseMissing is relay.response.missing — a client-initiated resend
// request for either a chunked response stream or an upload.
type ResponseMissing struct {
	ID       string `json:"id,omitempty"`
	UploadID string `json:"upload_id,omitempty"`
	Missing  []int  `json:"missing"`
}

// --- Outbound ---

// Response is the single-response framing, relay.response.
type Response struct {
	ID        string          `json:"id"`
	OK        bool            `json:"ok"`
	Status    int             `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	JSON      json.RawMessage `json:"json,omitempty"`
	BodyB64   string          `json:"body_b64,omitempty"`
	Truncated bool            `json:"truncated"`
	Error     string          `json:"error,omitempty"`
}

// ResponseBegin opens a streaming response (chunked or line/event).
type ResponseBegin struct {
	ID            string            `json:"id"`
	OK            bool              `json:"ok"`
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentLength int64             `json:"content_length,omitempty"`
	Filename      string            `json:"filename,omitempty"`
	TS            int64             `json:"ts"`
}

// ResponseChunk carries one raw chunk of a chunked binary stream.
type ResponseChunk struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`
	B64 string `json:"b64"`
}

// LineEntry is one line within a response.lines batch.
type LineEntry struct {
	Seq  int    `json:"seq"`
	TS   int64  `json:"ts"`
	Line string `json:"line"`
}

// ResponseLines carries a batch of lines for the line/event framing.
type ResponseLines struct {
	ID    string      `json:"id"`
	Lines []LineEntry `json:"lines"`
}

// ResponseKeepalive is emitted when no outbound traffic has flowed for
// heartbeat_s seconds during a streaming response.
type ResponseKeepalive struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

// ResponseEnd closes a streaming response.
type ResponseEnd struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Bytes     int64  `json:"bytes"`
	LastSeq   int    `json:"last_seq"`
	Lines     int    `json:"lines,omitempty"`
	DoneSeen  bool   `json:"done_seen,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pong answers ping.
type Pong struct {
	Address string `json:"address"`
	TS      int64  `json:"ts"`
}

// Info answers info.
type Info struct {
	Services   []string       `json:"services"`
	Workers    int            `json:"workers"`
	MaxBody    int64          `json:"max_body"`
	Assignment map[string]string `json:"assignment"`
}

// Redirect is relay.redirect, emitted when a request targets a node
// that does not currently own the addressed service.
type Redirect struct {
	Service string `json:"service"`
	ID      string `json:"id,omitempty"`
	Node    string `json:"node,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadMissing is http.upload.missing, requesting a chunk resend.
type UploadMissing struct {
	ID       string `json:"id,omitempty"`
	UploadID string `json:"upload_id"`
	Missing  []int  `json:"missing"`
	Total    int    `json:"total"`
	Got      int    `json:"got"`
}
