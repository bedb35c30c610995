package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"mediacore/internal/models"
	"mediacore/internal/observability/logging"
	"mediacore/internal/upload"
)

const (
	tusVersion        = "1.0.0"
	tusExtensions     = "creation,termination,expiration"
	offsetContentType = "application/offset+octet-stream"

	headerTusResumable   = "Tus-Resumable"
	headerUploadOffset   = "Upload-Offset"
	headerUploadLength   = "Upload-Length"
	headerUploadMetadata = "Upload-Metadata"
	headerUploadExpires  = "Upload-Expires"
)

type uploadResponse struct {
	ID          string            `json:"id"`
	TotalLength int64             `json:"totalLength"`
	Offset      int64             `json:"offset"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StorageKey  string            `json:"storageKey,omitempty"`
	CreatedAt   string            `json:"createdAt"`
	UpdatedAt   string            `json:"updatedAt"`
	CompletedAt *string           `json:"completedAt,omitempty"`
	HandedOffAt *string           `json:"handedOffAt,omitempty"`
}

func newUploadResponse(session models.UploadSession) uploadResponse {
	resp := uploadResponse{
		ID:          session.ID,
		TotalLength: session.TotalLength,
		Offset:      session.Offset,
		Status:      string(session.Status),
		Metadata:    session.Metadata,
		StorageKey:  session.StorageKey,
		CreatedAt:   session.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   session.UpdatedAt.Format(time.RFC3339Nano),
	}
	if session.CompletedAt != nil {
		completed := session.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	if session.HandedOffAt != nil {
		handedOff := session.HandedOffAt.Format(time.RFC3339Nano)
		resp.HandedOffAt = &handedOff
	}
	return resp
}

// tusResumable stamps the protocol version on every upload response and
// rejects clients speaking another version.
func tusResumable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerTusResumable, tusVersion)
		if r.Method != http.MethodOptions {
			if version := strings.TrimSpace(r.Header.Get(headerTusResumable)); version != "" && version != tusVersion {
				w.Header().Set("Tus-Version", tusVersion)
				writeError(w, http.StatusPreconditionFailed, fmt.Errorf("unsupported protocol version %s", version))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// UploadOptions advertises the supported protocol surface.
func (h *Handler) UploadOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(h.Uploads.MaxUploadSize(), 10))
	w.WriteHeader(http.StatusNoContent)
}

// CreateUpload opens a session from Upload-Length and Upload-Metadata.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.Header.Get("Upload-Defer-Length")) != "" {
		writeError(w, http.StatusBadRequest, errors.New("deferred upload length is not supported"))
		return
	}
	totalLength, err := parseOffsetHeader(r, headerUploadLength)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	metadata, err := upload.ParseMetadata(r.Header.Get(headerUploadMetadata))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	session, err := h.Uploads.Create(r.Context(), callerID(r), totalLength, metadata)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.setUploadHeaders(w, session)
	w.Header().Set("Location", "/api/uploads/"+session.ID)
	w.WriteHeader(http.StatusCreated)
}

// UploadHead reports the confirmed offset. Responses are never cached.
func (h *Handler) UploadHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	session, err := h.Uploads.Head(h.uploadContext(r), callerID(r), chi.URLParam(r, "uploadID"))
	if err != nil {
		w.WriteHeader(statusForKind(models.KindOf(err)))
		return
	}
	h.setUploadHeaders(w, session)
	w.Header().Set(headerUploadLength, strconv.FormatInt(session.TotalLength, 10))
	if len(session.Metadata) > 0 {
		w.Header().Set(headerUploadMetadata, upload.EncodeMetadata(session.Metadata))
	}
	w.WriteHeader(http.StatusOK)
}

// GetUpload returns the session as JSON.
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	session, err := h.Uploads.Head(h.uploadContext(r), callerID(r), chi.URLParam(r, "uploadID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newUploadResponse(session))
}

// PatchUpload appends the request body at Upload-Offset.
func (h *Handler) PatchUpload(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != offsetContentType {
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("content type must be %s", offsetContentType))
		return
	}
	offset, err := parseOffsetHeader(r, headerUploadOffset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxChunkSize())
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("chunk exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("read chunk: %w", err))
		return
	}

	session, err := h.Uploads.Patch(h.uploadContext(r), callerID(r), chi.URLParam(r, "uploadID"), offset, data)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.setUploadHeaders(w, session)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteUpload cancels the session. Unknown ids succeed.
func (h *Handler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.Uploads.Delete(h.uploadContext(r), callerID(r), chi.URLParam(r, "uploadID")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) uploadContext(r *http.Request) context.Context {
	return logging.ContextWithUploadID(r.Context(), chi.URLParam(r, "uploadID"))
}

func (h *Handler) setUploadHeaders(w http.ResponseWriter, session models.UploadSession) {
	w.Header().Set(headerUploadOffset, strconv.FormatInt(session.Offset, 10))
	if h.UploadExpiry > 0 && session.Status == models.UploadUploading {
		expires := session.UpdatedAt.Add(h.UploadExpiry).UTC()
		w.Header().Set(headerUploadExpires, expires.Format(http.TimeFormat))
	}
}

// parseOffsetHeader reads a required non-negative integer header.
func parseOffsetHeader(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(name))
	if raw == "" {
		return 0, fmt.Errorf("%s header is required", name)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s header must be a non-negative integer", name)
	}
	return value, nil
}
