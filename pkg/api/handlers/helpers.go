package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// decodeJSONBody decodes a JSON request body into the provided pointer.
// Returns true if successful, false if decoding fails (error response is
// written automatically).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// parseChunkIndex parses a chunk index path parameter.
// Returns the index and true if successful, or writes a 400 response and
// returns false when the parameter is not a valid uint32.
func parseChunkIndex(w http.ResponseWriter, raw string) (uint32, bool) {
	idx, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		BadRequest(w, "Chunk index must be a non-negative integer")
		return 0, false
	}
	return uint32(idx), true
}
