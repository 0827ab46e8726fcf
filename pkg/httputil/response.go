// Package httputil provides shared HTTP utilities for consistent response handling.
//
// It intentionally exposes only WriteJSON and WriteNoContent: the
// relay's admin surface (its Prometheus /metrics and JSON /status
// endpoints) has no need for the richer typed-error-response
// wrappers a full API server would want, and convenience wrappers
// like WriteBadRequest/WriteNotFound would have zero callers here.
package httputil

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
// It sets the Content-Type header to application/json.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteNoContent writes a 204 No Content response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
