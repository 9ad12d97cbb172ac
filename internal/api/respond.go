package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/store"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr translates a domain error into its HTTP shape.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  string(apperr.KindOf(err)),
	})
}

// decodeJSON reads a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "decode request body")
	}
	return nil
}

// pathID parses a numeric chi path parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.E(apperr.InvalidArgument, "invalid %s %q", name, raw)
	}
	return id, nil
}

// mapStoreErr lifts store sentinel errors into domain kinds.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.E(apperr.NotFound, "not found")
	}
	return err
}
