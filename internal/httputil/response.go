// Package httputil holds the JSON response helpers shared by the API
// handlers. Success and failure share one envelope: a boolean status,
// the command tag naming the operation that ran, and a reason string
// on failure.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// Envelope is the response body of every JSON endpoint.
type Envelope struct {
	Status  bool                   `json:"status"`
	Command string                 `json:"command"`
	Reason  string                 `json:"reason,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// WriteJSON writes any JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteSuccess writes a 200 envelope for the named command, with
// optional payload fields.
func WriteSuccess(w http.ResponseWriter, command string, data map[string]interface{}) {
	WriteJSON(w, http.StatusOK, Envelope{Status: true, Command: command, Data: data})
}

// WriteFailure writes a failure envelope with the given status code
// and human-readable reason.
func WriteFailure(w http.ResponseWriter, status int, command, reason string) {
	WriteJSON(w, status, Envelope{Status: false, Command: command, Reason: reason})
}

// MethodNotAllowed writes a 405 failure envelope.
func MethodNotAllowed(w http.ResponseWriter, command string) {
	WriteFailure(w, http.StatusMethodNotAllowed, command, "method not allowed")
}

// BadRequest writes a 400 failure envelope.
func BadRequest(w http.ResponseWriter, command, reason string) {
	WriteFailure(w, http.StatusBadRequest, command, reason)
}

// NotFound writes a 404 failure envelope.
func NotFound(w http.ResponseWriter, command, reason string) {
	WriteFailure(w, http.StatusNotFound, command, reason)
}

// InternalServerError writes a 500 failure envelope.
func InternalServerError(w http.ResponseWriter, command, reason string) {
	WriteFailure(w, http.StatusInternalServerError, command, reason)
}
