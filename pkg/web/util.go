package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/mirrorkeep/mirrorkeep/pkg/proto"
)

func renderStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
		io.WriteString(w, fmt.Sprintf("%d %s", code, http.StatusText(code))) //nolint:errcheck,gosec
	}
}

func renderNotFound(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

// errorResponse is the JSON body of a failed request.
type errorResponse struct {
	Error string `json:"error"`
}

func renderJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v != nil {
		json.NewEncoder(w).Encode(v) // nolint: errcheck
	}
}

// renderError maps domain errors to HTTP statuses.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, proto.ErrMirrorNotFound), errors.Is(err, proto.ErrAttemptNotFound):
		code = http.StatusNotFound
	case errors.Is(err, proto.ErrMirrorExist):
		code = http.StatusConflict
	case errors.Is(err, proto.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, proto.ErrNotRunning):
		code = http.StatusBadRequest
	default:
		log.FromContext(r.Context()).Error("request failed", "err", err)
		renderJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	renderJSON(w, code, errorResponse{Error: err.Error()})
}
