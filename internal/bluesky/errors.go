package bluesky

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx XRPC response.
type APIError struct {
	StatusCode int

	// Name is the XRPC error name, e.g. "ExpiredToken".
	Name    string
	Message string
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s: %s", e.StatusCode, e.Name, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{StatusCode: status, Name: envelope.Error, Message: envelope.Message}
}

func isExpiredToken(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Name == "ExpiredToken" ||
		(apiErr.StatusCode == http.StatusUnauthorized && apiErr.Name == "")
}

// isRetryable reports whether a request may succeed if sent again: transport
// failures, rate limiting and server errors.
func isRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}
