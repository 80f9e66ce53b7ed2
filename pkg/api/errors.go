// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.

package api

import (
	"net/http"
)

// Error kinds surfaced in the uniform error envelope.
const (
	KindBadRequest       = "bad_request"
	KindNotFound         = "not_found"
	KindDeadlineExceeded = "deadline_exceeded"
	KindStoreError       = "store_error"
	KindTooManyClients   = "too_many_clients"
)

type errorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError emits the uniform envelope. Transient kinds are 5xx and marked
// retryable; caller mistakes are 4xx.
func writeError(w http.ResponseWriter, kind, message string) {
	body := errorBody{Kind: kind, Message: message}
	status := http.StatusBadRequest
	switch kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindDeadlineExceeded:
		status = http.StatusRequestTimeout
	case KindStoreError:
		status = http.StatusServiceUnavailable
		body.Retryable = true
		body.RetryAfter = 5
	case KindTooManyClients:
		status = http.StatusServiceUnavailable
		body.Retryable = true
		body.RetryAfter = 30
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.Encode(v) //nolint:errcheck
}
