package handler

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/JetSquirrel/cloudbridge/internal/apierrors"
)

// maxBodyBytes bounds request bodies; account payloads are a few hundred bytes.
const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// WriteJSON writes a JSON response (exported version)
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *apierrors.APIError {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierrors.NewBadRequestError("invalid request body")
	}
	return nil
}

// queryBool reads a boolean query parameter. Absent means false.
func queryBool(r *http.Request, name string) (bool, *apierrors.APIError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apierrors.NewBadRequestError(name + " must be true or false")
	}
	return v, nil
}
