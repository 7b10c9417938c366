package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"stream-orchestrator/internal/contracts"
	"stream-orchestrator/internal/models"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto a status through its models.Kind.
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, statusFor(err), models.CodeOf(err), err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func statusFor(err error) int {
	if errors.Is(err, models.ErrSchemaViolation) {
		return http.StatusUnprocessableEntity
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindConflict:
		return http.StatusConflict
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindLaunch, models.KindHandshake:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readBody returns the request body, bounded to maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, models.Errorf(models.ErrInvalidRequest, "request body exceeds %d bytes", maxBodyBytes)
		}
		return nil, models.Wrap(models.ErrInvalidRequest, err)
	}
	return raw, nil
}

// decodeBody validates the body against the named schema and decodes it.
func decodeBody(w http.ResponseWriter, r *http.Request, name contracts.Name, dst any) error {
	raw, err := readBody(w, r)
	if err != nil {
		return err
	}
	return contracts.Decode(name, raw, dst)
}
