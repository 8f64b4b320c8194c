package relay

import (
	"fmt"
	"net/url"
	"time"

	"github.com/overlay-relay/router/internal/types"
)

// normalize turns one classified inbound event into a canonical HTTP
// request descriptor. Every shape in spec.md §6 — the ASR session
// lifecycle, the browser lifecycle/navigation/interaction events, and
// the generic http.request/relay.http/relay.fetch envelope — reduces
// to this before a Job is enqueued. Grounded on the ASR and browser
// helper functions (req_from_asr_*, req_from_browser_*) in the Python
// original this router descends from.
func normalize(eventType string, msg map[string]any) (types.HTTPRequestDescriptor, error) {
	switch eventType {
	case "asr.start":
		return normalizeASRStart(msg)
	case "asr.audio":
		return normalizeASRAudio(msg)
	case "asr.end":
		return normalizeASREnd(msg)
	case "asr.events":
		return normalizeASREvents(msg)
	case "browser.launch", "browser.open":
		return normalizeBrowserOpen(msg)
	case "browser.close":
		return browserRequest(msg, "/session/close", "POST", nil, "", 45000)
	case "browser.navigate":
		return normalizeBrowserNav(msg)
	case "browser.click":
		return normalizeBrowserClick(msg)
	case "browser.type":
		return normalizeBrowserType(msg)
	case "browser.screenshot":
		return normalizeBrowserScreenshot(msg)
	case "browser.scroll":
		return normalizeBrowserScroll(msg)
	case "http.request", "relay.http", "relay.fetch":
		return normalizeGeneric(msg)
	default:
		return types.HTTPRequestDescriptor{}, fmt.Errorf("unrecognized request event %q", eventType)
	}
}

func optsOf(msg map[string]any) map[string]any {
	if o, ok := msg["opts"].(map[string]any); ok {
		return o
	}
	return map[string]any{}
}

func strField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func headersOf(opts map[string]any, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range extra {
		out[k] = v
	}
	if raw, ok := opts["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

func timeoutOf(opts map[string]any, defaultMs int) time.Duration {
	ms := defaultMs
	switch v := opts["timeout_ms"].(type) {
	case float64:
		ms = int(v)
	case int:
		ms = v
	}
	return time.Duration(ms) * time.Millisecond
}

func verifyOf(opts map[string]any) bool {
	if v, ok := opts["verify"].(bool); ok {
		return v
	}
	return true
}

func insecureOf(opts map[string]any) bool {
	v, ok := opts["insecure_tls"]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || t == "true" || t == "on"
	}
	return false
}

func normalizeASRStart(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	opts := optsOf(msg)
	service := strField(opts, "service", "asr")
	return types.HTTPRequestDescriptor{
		Service:     service,
		Path:        "/recognize/stream/start",
		Method:      "POST",
		Headers:     headersOf(opts, nil),
		Timeout:     timeoutOf(opts, 45000),
		VerifyTLS:   verifyOf(opts),
		InsecureTLS: insecureOf(opts),
	}, nil
}

func normalizeASRAudio(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	sid, _ := msg["sid"].(string)
	if sid == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("asr.audio missing sid")
	}
	b64, _ := msg["body_b64"].(string)
	if b64 == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("asr.audio missing body_b64")
	}
	format := strField(msg, "format", "pcm16")
	sr := 16000
	switch v := msg["sr"].(type) {
	case float64:
		sr = int(v)
	case int:
		sr = v
	}
	opts := optsOf(msg)
	service := strField(opts, "service", "asr")
	headers := headersOf(opts, map[string]string{"Content-Type": "application/octet-stream"})
	body, err := decodeBase64(b64)
	if err != nil {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("asr.audio: %w", err)
	}
	return types.HTTPRequestDescriptor{
		Service:     service,
		Path:        fmt.Sprintf("/recognize/stream/%s/audio?format=%s&sr=%d", url.PathEscape(sid), url.QueryEscape(format), sr),
		Method:      "POST",
		Headers:     headers,
		Body:        body,
		Timeout:     timeoutOf(opts, 45000),
		VerifyTLS:   verifyOf(opts),
		InsecureTLS: insecureOf(opts),
	}, nil
}

func normalizeASREnd(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	sid, _ := msg["sid"].(string)
	if sid == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("asr.end missing sid")
	}
	opts := optsOf(msg)
	service := strField(opts, "service", "asr")
	return types.HTTPRequestDescriptor{
		Service:     service,
		Path:        fmt.Sprintf("/recognize/stream/%s/end", url.PathEscape(sid)),
		Method:      "POST",
		Headers:     headersOf(opts, nil),
		Timeout:     timeoutOf(opts, 45000),
		VerifyTLS:   verifyOf(opts),
		InsecureTLS: insecureOf(opts),
	}, nil
}

func normalizeASREvents(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	sid, _ := msg["sid"].(string)
	if sid == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("asr.events missing sid")
	}
	opts := optsOf(msg)
	service := strField(opts, "service", "asr")
	headers := headersOf(opts, map[string]string{"Accept": "text/event-stream", "X-Relay-Stream": "chunks"})
	return types.HTTPRequestDescriptor{
		Service:     service,
		Path:        fmt.Sprintf("/recognize/stream/%s/events", url.PathEscape(sid)),
		Method:      "GET",
		Headers:     headers,
		Timeout:     timeoutOf(opts, 300000),
		VerifyTLS:   verifyOf(opts),
		InsecureTLS: insecureOf(opts),
		Stream:      types.StreamChunks,
	}, nil
}

func browserSid(msg map[string]any) string {
	if sid, ok := msg["sid"].(string); ok && sid != "" {
		return sid
	}
	opts := optsOf(msg)
	if sid, ok := opts["sid"].(string); ok {
		return sid
	}
	return ""
}

func browserPathWithSid(base, sid string) string {
	if sid == "" {
		return base
	}
	return base + "?sid=" + url.QueryEscape(sid)
}

func browserRequest(msg map[string]any, path, method string, jsonBody map[string]any, streamMode types.StreamMode, defaultTimeoutMs int) (types.HTTPRequestDescriptor, error) {
	opts := optsOf(msg)
	service := strField(opts, "service", "web_scrape")
	req := types.HTTPRequestDescriptor{
		Service:     service,
		Path:        path,
		Method:      method,
		Headers:     headersOf(opts, nil),
		Timeout:     timeoutOf(opts, defaultTimeoutMs),
		VerifyTLS:   verifyOf(opts),
		InsecureTLS: insecureOf(opts),
		Stream:      streamMode,
		ContentType: "application/json",
	}
	if jsonBody != nil {
		body, err := marshalJSON(jsonBody)
		if err != nil {
			return types.HTTPRequestDescriptor{}, err
		}
		req.Body = body
	}
	return req, nil
}

func withSid(msg map[string]any, payload map[string]any) map[string]any {
	if sid := browserSid(msg); sid != "" {
		if _, exists := payload["sid"]; !exists {
			payload["sid"] = sid
		}
	}
	return payload
}

func normalizeBrowserOpen(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	headless := true
	if v, ok := msg["headless"].(bool); ok {
		headless = v
	} else if v, ok := optsOf(msg)["headless"].(bool); ok {
		headless = v
	}
	return browserRequest(msg, "/session/start", "POST", map[string]any{"headless": headless}, "", 60000)
}

func normalizeBrowserNav(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	target, _ := msg["url"].(string)
	if target == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("browser.navigate missing url")
	}
	return browserRequest(msg, "/navigate", "POST", withSid(msg, map[string]any{"url": target}), "", 45000)
}

func normalizeBrowserClick(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	selector, _ := msg["selector"].(string)
	if selector == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("browser.click missing selector")
	}
	return browserRequest(msg, "/click", "POST", withSid(msg, map[string]any{"selector": selector}), "", 45000)
}

func normalizeBrowserType(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	selector, _ := msg["selector"].(string)
	if selector == "" {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("browser.type missing selector")
	}
	text, ok := msg["text"]
	if !ok {
		return types.HTTPRequestDescriptor{}, fmt.Errorf("browser.type missing text")
	}
	return browserRequest(msg, "/type", "POST", withSid(msg, map[string]any{"selector": selector, "text": text}), "", 45000)
}

func normalizeBrowserScroll(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	amount := 600
	switch v := msg["amount"].(type) {
	case float64:
		amount = int(v)
	case int:
		amount = v
	}
	return browserRequest(msg, "/scroll", "POST", withSid(msg, map[string]any{"amount": amount}), "", 45000)
}

func normalizeBrowserScreenshot(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	path := browserPathWithSid("/screenshot", browserSid(msg))
	return browserRequest(msg, path, "GET", nil, "", 90000)
}

// normalizeGeneric handles http.request / relay.http / relay.fetch: the
// req sub-record is already close to an HTTPRequestDescriptor and just
// needs its body variant (body_b64 | json | data | chunked forms)
// resolved to raw bytes.
func normalizeGeneric(msg map[string]any) (types.HTTPRequestDescriptor, error) {
	req, _ := msg["req"].(map[string]any)
	if req == nil {
		req = msg
	}

	service := strField(req, "service", strField(req, "target", ""))
	method := strField(req, "method", "GET")
	path := strField(req, "path", "")
	rawURL := strField(req, "url", "")

	headers := map[string]string{}
	if raw, ok := req["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	verify := true
	if v, ok := req["verify"].(bool); ok {
		verify = v
	}
	insecure := insecureOf(req)

	stream := types.StreamMode(strField(req, "stream", ""))

	body, contentType, err := resolveBody(req, headers)
	if err != nil {
		return types.HTTPRequestDescriptor{}, err
	}

	return types.HTTPRequestDescriptor{
		Service:     service,
		URL:         rawURL,
		Path:        path,
		Method:      method,
		Headers:     headers,
		Timeout:     timeoutOf(req, 30000),
		Body:        body,
		VerifyTLS:   verify,
		InsecureTLS: insecure,
		Stream:      stream,
		ContentType: contentType,
	}, nil
}

// resolveBody picks whichever of body_b64 / json / data / the chunked
// variants is populated, per spec.md §6's req sub-record shape.
func resolveBody(req map[string]any, headers map[string]string) ([]byte, string, error) {
	if b64, ok := req["body_b64"].(string); ok && b64 != "" {
		body, err := decodeBase64(b64)
		return body, headers["Content-Type"], err
	}
	if j, ok := req["json"]; ok && j != nil {
		body, err := marshalJSON(j)
		headers["Content-Type"] = "application/json"
		return body, "application/json", err
	}
	if data, ok := req["data"].(string); ok && data != "" {
		return []byte(data), headers["Content-Type"], nil
	}
	if chunks, ok := req["body_chunks_b64"].([]any); ok && len(chunks) > 0 {
		return concatBase64Chunks(chunks)
	}
	if chunks, ok := req["json_chunks_b64"].([]any); ok && len(chunks) > 0 {
		body, err := concatBase64Chunks(chunks)
		headers["Content-Type"] = "application/json"
		return body, "application/json", err
	}
	return nil, headers["Content-Type"], nil
}

func concatBase64Chunks(chunks []any) ([]byte, string, error) {
	var out []byte
	for _, c := range chunks {
		s, ok := c.(string)
		if !ok {
			return nil, "", fmt.Errorf("body chunk is not a string")
		}
		part, err := decodeBase64(s)
		if err != nil {
			return nil, "", err
		}
		out = append(out, part...)
	}
	return out, "", nil
}
