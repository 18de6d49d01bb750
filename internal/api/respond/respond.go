// Package respond writes JSON responses and the error envelope shared by
// every HTTP surface in the system.
package respond

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error envelope. Code is a stable machine-readable
// identifier clients branch on; Message is for humans.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Error writes the error envelope with the given status code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Code: code, Message: message})
}
