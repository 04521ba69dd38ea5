package foundry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/redact"
)

// conjureErrorEnvelope is the error body Foundry APIs return. Other fields are ignored.
type conjureErrorEnvelope struct {
	ErrorCode       string `json:"errorCode"`
	ErrorName       string `json:"errorName"`
	ErrorInstanceID string `json:"errorInstanceId"`
}

// HTTPError is a sanitized summary of a non-2xx Foundry API response. Raw bodies never go in
// here: dataset rows carry member identifiers.
type HTTPError struct {
	Op              string
	StatusCode      int
	Status          string
	ErrorName       string
	ErrorCode       string
	ErrorInstanceID string

	// Snippet is a redacted, truncated hint for non-Conjure responses.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "foundry http error"
	}
	parts := []string{
		fmt.Sprintf("foundry api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.ErrorName) != "" {
		parts = append(parts, "errorName="+strings.TrimSpace(e.ErrorName))
	}
	if strings.TrimSpace(e.ErrorCode) != "" {
		parts = append(parts, "errorCode="+strings.TrimSpace(e.ErrorCode))
	}
	if strings.TrimSpace(e.ErrorInstanceID) != "" {
		parts = append(parts, "instance="+strings.TrimSpace(e.ErrorInstanceID))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

// Timeout reports a gateway or request timeout, so layer runs classify it as an upstream
// timeout rather than a generic upstream error.
func (e *HTTPError) Timeout() bool {
	return e != nil && (e.StatusCode == http.StatusGatewayTimeout || e.StatusCode == http.StatusRequestTimeout)
}

// NotFound reports a missing dataset, schema, branch or file.
func (e *HTTPError) NotFound() bool {
	return e != nil && e.StatusCode == http.StatusNotFound
}

// Conflict reports a 409 with the given error name, or any 409 when name is empty.
func (e *HTTPError) Conflict(name string) bool {
	if e == nil || e.StatusCode != http.StatusConflict {
		return false
	}
	return name == "" || e.ErrorName == name || strings.HasSuffix(e.ErrorName, ":"+name)
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	var env conjureErrorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil {
		h.ErrorName = strings.TrimSpace(env.ErrorName)
		h.ErrorCode = strings.TrimSpace(env.ErrorCode)
		h.ErrorInstanceID = strings.TrimSpace(env.ErrorInstanceID)
		if h.ErrorName != "" || h.ErrorCode != "" || h.ErrorInstanceID != "" {
			return h
		}
	}

	h.Snippet = redactAndTruncate(body)
	return h
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := redact.Secrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
