package api

import (
	"encoding/json"
	"net/http"
)

// respondJSON writes a JSON body with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes the standard failure envelope.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// respondErrors writes a failure envelope carrying a list of problems,
// used by the validator which accumulates errors.
func respondErrors(w http.ResponseWriter, status int, message string, problems []string) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
		"errors":  problems,
	})
}

// decodeJSON parses a request body into dst with a friendly error.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
