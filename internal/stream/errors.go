package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is the well-known error shape returned by chat backends:
//
//	{"error": {"message": "...", "type": "...", "code": "..."}}
//
// Status is the HTTP status code, or zero when the error arrived inside the
// stream.
type APIError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("api error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Type != "" {
		b.WriteString(" (" + e.Type + ")")
	}
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// errorEnvelope matches both {"error":{...}} and the flat Dify shape
// {"status":400,"code":"...","message":"..."}.
type errorEnvelope struct {
	Error *struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// parseAPIError decodes body into an APIError. Bodies that do not match a
// known shape become the message verbatim.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		switch {
		case env.Error != nil:
			apiErr.Message = env.Error.Message
			apiErr.Type = env.Error.Type
			apiErr.Code = rawString(env.Error.Code)
			return apiErr
		case env.Message != "":
			apiErr.Message = env.Message
			apiErr.Code = rawString(env.Code)
			return apiErr
		}
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// rawString renders a JSON string or number as plain text.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
