// Package httpx holds the small JSON helpers shared by control-plane
// HTTP handlers. Appliances decode responses as flat objects, so there
// is no envelope: success bodies are the payload itself and errors are
// {"error": "..."}.
package httpx

import (
	"encoding/json"
	"log"
	"net/http"
)

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpx] encode response failed: %v", err)
	}
}

// Error writes a flat error body with the given status.
func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// Decode parses the request body into v. Unknown fields are allowed so
// older servers keep accepting newer appliance payloads.
func Decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}
