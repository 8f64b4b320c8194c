package relay

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// redactLicenseFields walks a decoded JSON value and replaces every key
// literally named "license" (case-insensitive) with "[omitted]",
// matching the strip_license behavior the LLM-describe endpoint needs
// (original_source/service_router/router.py's strip_license).
func redactLicenseFields(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isLicenseKey(k) {
				out[k] = "[omitted]"
				continue
			}
			out[k] = redactLicenseFields(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactLicenseFields(item)
		}
		return out
	default:
		return v
	}
}

func isLicenseKey(k string) bool {
	return strings.EqualFold(k, "license")
}
