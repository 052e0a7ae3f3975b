// Package render writes the API's JSON responses.
package render

import (
	"encoding/json"
	"net/http"
)

// Payload is the envelope for messages and errors.
type Payload struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error writes a failed Payload with message.
func Error(w http.ResponseWriter, message string, status int) {
	JSON(w, status, Payload{Message: message, Success: false})
}

// Message writes a successful Payload with message.
func Message(w http.ResponseWriter, message string, status int) {
	JSON(w, status, Payload{Message: message, Success: true})
}
