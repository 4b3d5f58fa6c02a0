package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	rerrors "github.com/relicta-tech/rollout/internal/errors"
	"github.com/relicta-tech/rollout/internal/httpserver/dto"
)

// maxBodyBytes bounds request bodies of hooks and commands.
const maxBodyBytes = 1 << 20

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, dto.ErrorResponse{Error: message, Code: code})
}

// respondFailure maps err to a status code. Server side failures do not
// echo their cause.
func (c *Context) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	kind := rerrors.GetKind(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("request failed", "path", r.URL.Path, "kind", kind, "error", rerrors.RedactError(err))
		respondError(w, status, http.StatusText(status), kind.String())
		return
	}
	respondError(w, status, rerrors.RedactSensitive(err.Error()), kind.String())
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(err error) int {
	switch rerrors.GetKind(err) {
	case rerrors.KindValidation:
		return http.StatusBadRequest
	case rerrors.KindNotFound:
		return http.StatusNotFound
	case rerrors.KindConflict, rerrors.KindTooLate, rerrors.KindState:
		return http.StatusConflict
	case rerrors.KindConfig, rerrors.KindPolicy:
		return http.StatusUnprocessableEntity
	case rerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case rerrors.KindNetwork, rerrors.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	const op = "handlers.readBody"
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, rerrors.Validation(op, "request body too large")
		}
		return nil, rerrors.Wrap(err, rerrors.KindValidation, op, "failed to read request body")
	}
	return body, nil
}

// decode parses a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	const op = "handlers.decode"
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return rerrors.Wrap(err, rerrors.KindValidation, op, "invalid JSON body")
	}
	return nil
}
