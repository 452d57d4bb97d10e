package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

// maxBodyBytes caps JSON request bodies at 1MB.
const maxBodyBytes = 1 << 20

// respondJSON writes a JSON response with the given status
func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// readJSONBody enforces the content-type and size caps, returning the raw
// body so callers can verify request signatures over the exact bytes.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			respondWithError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return nil, false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return nil, false
		}
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return raw, true
}

// readBearerToken extracts the token from an Authorization: Bearer header.
func readBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) >= 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// readUserIDHeader reads the alternative userId carrier header.
func readUserIDHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("x-test-user"))
}
