package utils

import (
	"encoding/json"
	"net/http"
)

// WriteError replies with a JSON error body. Same argument order as
// http.Error so handlers read the same way.
func WriteError(w http.ResponseWriter, message string, code int) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    json.NewEncoder(w).Encode(map[string]string{"error": message})
}
