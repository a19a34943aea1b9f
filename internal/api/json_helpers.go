package api

import (
	"encoding/json"
	"net/http"
)

// Response is the envelope returned by control routes.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, Response{Success: true, Message: message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Success: false, Message: message})
}

// WriteError is an exported helper for returning JSON API errors from
// middleware.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

// writeText is used by media routes, which answer failures in plain text.
func writeText(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
