package api

import (
	"encoding/json"
	"net/http"
)

// response is the API envelope: {success, data?, error?, details?}.
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, response{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, response{Success: false, Error: message})
}

func respondErrorDetails(w http.ResponseWriter, status int, message string, details interface{}) {
	respondJSON(w, status, response{Success: false, Error: message, Details: details})
}
