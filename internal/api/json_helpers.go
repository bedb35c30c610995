package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
)

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Offset *int64 `json:"offset,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindUnauthorized:
		return http.StatusUnauthorized
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure maps a core error onto its status code. Offset conflicts also
// report the authoritative offset in the Upload-Offset header. Internal
// errors are logged and answered with a generic message.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	coreErr := models.AsError(err)
	status := statusForKind(coreErr.Kind)
	resp := errorResponse{Error: coreErr.Error(), Code: coreErr.Code}
	if coreErr.Code == models.CodeOffsetMismatch && coreErr.Offset >= 0 {
		offset := coreErr.Offset
		resp.Offset = &offset
		w.Header().Set(headerUploadOffset, strconv.FormatInt(offset, 10))
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body and leaves dest untouched.
func decodeOptionalJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeJSONAllowUnknown(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
