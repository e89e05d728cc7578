package speech

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 20 * time.Second

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// APIError is a non-2xx answer from the speech backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("speech api error (%d, %s): %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("speech api error (%d, %s)", e.Status, e.Code)
	default:
		return fmt.Sprintf("speech api error (%d): %s", e.Status, e.Message)
	}
}

type apiErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Error *apiErrorBody `json:"error,omitempty"`
}

// newHTTPClientWithTimeout falls back to defaultHTTPTimeout when d is non-positive.
func newHTTPClientWithTimeout(d time.Duration) *http.Client {
	if d <= 0 {
		d = defaultHTTPTimeout
	}
	return &http.Client{Timeout: d}
}

func decodeAPIError(body []byte) *apiErrorBody {
	if len(body) == 0 {
		return nil
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}

	if envelope.Error == nil {
		return nil
	}

	envelope.Error.Message = strings.TrimSpace(envelope.Error.Message)
	return envelope.Error
}

func buildAPIError(statusCode int, body []byte) error {
	if apiErr := decodeAPIError(body); apiErr != nil && (apiErr.Code != "" || apiErr.Message != "") {
		return &APIError{Status: statusCode, Code: apiErr.Code, Message: apiErr.Message}
	}

	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		snippet = http.StatusText(statusCode)
	}
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	return &APIError{Status: statusCode, Message: snippet}
}
