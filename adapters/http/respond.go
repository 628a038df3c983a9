package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/artpar/macrodeck/domain/diagnostic"
)

// ErrorObject is one entry of an error response.
type ErrorObject struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Errors      []ErrorObject   `json:"errors"`
	Diagnostics diagnostic.List `json:"diagnostics,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeErrorWithDiagnostics(w, status, code, detail, nil)
}

func writeErrorWithDiagnostics(w http.ResponseWriter, status int, code, detail string, diags diagnostic.List) {
	writeJSON(w, status, ErrorResponse{
		Errors: []ErrorObject{{
			Status: strconv.Itoa(status),
			Code:   code,
			Title:  http.StatusText(status),
			Detail: detail,
		}},
		Diagnostics: diags,
	})
}
