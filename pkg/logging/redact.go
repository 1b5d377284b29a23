package logging

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// RedactedValue replaces sensitive values in request logs.
const RedactedValue = "*******"

// MaskedBearer replaces the Authorization header value in logs and audit files.
const MaskedBearer = "Bearer <token>"

// sensitiveKeyPatterns are matched case-insensitively against parameter and body keys.
var sensitiveKeyPatterns = []string{
	"password",
}

// IsSensitiveKey reports whether a parameter or body key holds a secret.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// RedactParams returns a copy of params with sensitive values masked.
func RedactParams(params url.Values) url.Values {
	if params == nil {
		return nil
	}
	redacted := make(url.Values, len(params))
	for key, values := range params {
		if IsSensitiveKey(key) {
			redacted[key] = []string{RedactedValue}
			continue
		}
		redacted[key] = append([]string(nil), values...)
	}
	return redacted
}

// RedactJSON masks sensitive top-level keys of a JSON object.
// Anything that is not a JSON object is returned unchanged.
func RedactJSON(data []byte) []byte {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return data
	}

	changed := false
	for key := range object {
		if IsSensitiveKey(key) {
			object[key] = json.RawMessage(`"` + RedactedValue + `"`)
			changed = true
		}
	}
	if !changed {
		return data
	}

	redacted, err := json.Marshal(object)
	if err != nil {
		return data
	}
	return redacted
}

// MaskAuthorization returns a copy of h whose Authorization header no longer
// carries the bearer token.
func MaskAuthorization(h http.Header) http.Header {
	masked := h.Clone()
	if masked == nil {
		return http.Header{}
	}
	if masked.Get("Authorization") != "" {
		masked.Set("Authorization", MaskedBearer)
	}
	return masked
}
