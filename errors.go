package inkframe

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrDeviceIDMissing indicates the ID header value is required.
	ErrDeviceIDMissing = errors.New("inkframe: device ID is required")
	// ErrImageURLMissing indicates the descriptor carried no image URL.
	ErrImageURLMissing = errors.New("inkframe: image_url is missing")
	// ErrRefreshRateInvalid indicates the descriptor refresh_rate is missing, not a number,
	// not positive or above MaxRefreshRate.
	ErrRefreshRateInvalid = errors.New("inkframe: refresh_rate must be a positive number of seconds")
	// ErrAccessTokenMissing indicates the setup response carried no api_key.
	ErrAccessTokenMissing = errors.New("inkframe: api_key is missing")
	// ErrAssetTooLarge indicates a download exceeded the configured size guard.
	ErrAssetTooLarge = errors.New("inkframe: image exceeds the maximum asset size")
)

// NetworkError wraps connection, timeout and body read failures.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return "inkframe: " + e.Op + " " + e.URL + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError reports a response body that could not be decoded or lacked required fields.
type ParseError struct {
	Endpoint string
	// Body keeps the original payload for debugging.
	Body []byte
	Err  error
}

func (e *ParseError) Error() string {
	return "inkframe: parse " + e.Endpoint + " response: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// APIError captures non-2xx responses. The service may return JSON or plain text.
type APIError struct {
	StatusCode int
	// Code is a normalized string representation of a server error code when present.
	Code string
	// Message is a human-readable message from the server or synthesized from body.
	Message string
	// RawBody keeps the original payload for debugging.
	RawBody []byte
}

func (e *APIError) Error() string {
	b := strings.Builder{}
	b.WriteString("inkframe: API error (status=")
	b.WriteString(strconv.Itoa(e.StatusCode))
	if e.Code != "" {
		b.WriteString(", code=")
		b.WriteString(e.Code)
	}
	b.WriteString(")")
	if m := strings.TrimSpace(e.Message); m != "" {
		b.WriteString(": ")
		b.WriteString(m)
	}
	return b.String()
}

// IsRateLimitError returns true if err wraps an APIError with HTTP status 429.
func IsRateLimitError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == 429
	}
	return false
}

// IsAuthError returns true if err wraps an APIError with HTTP status 401 or 403.
func IsAuthError(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == 401 || ae.StatusCode == 403
	}
	return false
}

func buildAPIError(status int, body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	ae := &APIError{StatusCode: status, RawBody: body, Message: trimmed}

	if isJSONObject(trimmed) {
		if obj := tryParseJSON(body); obj != nil {
			extractErrorFields(ae, obj, trimmed)
		}
	}
	return ae
}

// isJSONObject checks if a string looks like a JSON object
func isJSONObject(s string) bool {
	return len(s) > 0 && strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// tryParseJSON attempts to unmarshal body into a map, returning nil on failure
func tryParseJSON(body []byte) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err == nil {
		return obj
	}
	return nil
}

// extractErrorFields populates APIError fields from a parsed JSON object
func extractErrorFields(ae *APIError, obj map[string]interface{}, fallback string) {
	if v, ok := obj["message"].(string); ok && v != "" {
		ae.Message = v
	} else if v, ok := obj["error"].(string); ok && v != "" {
		ae.Message = v
	} else {
		ae.Message = fallback
	}
	// TRMNL reports its own status next to the HTTP one.
	if v, ok := obj["code"]; ok {
		ae.Code = formatCode(v)
	} else if v, ok := obj["status"]; ok {
		ae.Code = formatCode(v)
	}
}

// formatCode converts a code field (string or number) to a string
func formatCode(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.Itoa(int(t))
	default:
		return ""
	}
}
