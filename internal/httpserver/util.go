package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
)

// decodeJSON decodes a JSON request body into the destination struct.
// The reader will be closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// queryInt reads an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
