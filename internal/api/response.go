package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}

// defaultLimit is the page size when the client does not specify one.
const defaultLimit = 20

// maxLimit caps the page size a client can request.
const maxLimit = 100

// pagination holds parsed page/limit query parameters.
type pagination struct {
	Page  int
	Limit int
}

// Offset converts the page number to a row offset.
func (p pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// parsePagination reads page and limit query parameters. Pages are
// 1-based. Returns an error message if invalid, empty string if OK.
func parsePagination(r *http.Request) (pagination, string) {
	p := pagination{Page: 1, Limit: defaultLimit}
	q := r.URL.Query()

	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return p, "page must be a positive integer"
		}
		p.Page = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return p, "limit must be a positive integer"
		}
		if v > maxLimit {
			v = maxLimit
		}
		p.Limit = v
	}

	return p, ""
}

// PaginatedResponse is the standard shape for list endpoints.
type PaginatedResponse struct {
	Items      any `json:"items"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// newPaginatedResponse assembles a page of items with its bookkeeping.
func newPaginatedResponse(items any, p pagination, total int) PaginatedResponse {
	pages := total / p.Limit
	if total%p.Limit != 0 {
		pages++
	}
	return PaginatedResponse{
		Items:      items,
		Page:       p.Page,
		Limit:      p.Limit,
		TotalCount: total,
		TotalPages: pages,
	}
}
