package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mediacore/internal/auth"
	"mediacore/internal/observability/logging"
	"mediacore/internal/observability/metrics"
	"mediacore/internal/storage"
	"mediacore/internal/stream"
	"mediacore/internal/upload"
)

// DefaultMaxChunkSize bounds a single PATCH body when no limit is set.
const DefaultMaxChunkSize int64 = 64 << 20

// Handler serves the REST surface. Every collaborator is injected and
// required.
type Handler struct {
	Uploads  *upload.Service
	Keys     *stream.KeyRegistry
	Sessions *stream.SessionManager
	Stats    *stream.StatsAggregator
	Channels storage.ChannelDirectory
	Verifier *auth.Verifier

	// HookToken guards the media server callback endpoint.
	HookToken string
	// UploadExpiry is the idle retention advertised in Upload-Expires.
	UploadExpiry time.Duration
	MaxChunkSize int64

	HealthChecks []HealthCheck
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) maxChunkSize() int64 {
	if h.MaxChunkSize <= 0 {
		return DefaultMaxChunkSize
	}
	return h.MaxChunkSize
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/hooks/media", h.MediaHook)

		r.Route("/uploads", func(r chi.Router) {
			r.Use(tusResumable)
			r.Options("/", h.UploadOptions)
			r.Options("/{uploadID}", h.UploadOptions)
			r.Group(func(r chi.Router) {
				r.Use(h.RequireIdentity)
				r.Post("/", h.CreateUpload)
				r.Head("/{uploadID}", h.UploadHead)
				r.Get("/{uploadID}", h.GetUpload)
				r.Patch("/{uploadID}", h.PatchUpload)
				r.Delete("/{uploadID}", h.DeleteUpload)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(h.RequireIdentity)

			r.Put("/admin/channels/{channelID}", h.RegisterChannel)

			r.Route("/channels/{channelID}", func(r chi.Router) {
				r.Get("/", h.GetChannel)
				r.Post("/keys", h.IssueKey)
				r.Get("/keys", h.ListKeys)
				r.Delete("/keys/{keyID}", h.RevokeKey)
				r.Post("/streams", h.StartStream)
				r.Get("/streams", h.ListStreams)
				r.Get("/streams/current", h.CurrentStream)
				r.Post("/streams/scheduled", h.ScheduleStream)
			})

			r.Route("/streams/{streamID}", func(r chi.Router) {
				r.Get("/", h.GetStream)
				r.Get("/stats", h.StreamStats)
				r.Post("/prepare", h.PrepareStream)
				r.Post("/activate", h.ActivateStream)
				r.Post("/stop", h.StopStream)
				r.Post("/cancel", h.CancelStream)
				r.Post("/terminate", h.TerminateStream)
			})
		})
	})
}

// RequireIdentity rejects requests without a valid bearer token and stores
// the caller on the request context.
func (h *Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Verifier == nil {
			h.writeFailure(w, r, errors.New("identity verifier is not configured"))
			return
		}
		identity, err := h.Verifier.Authenticate(r)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), identity)
		if logger := logging.LoggerFromContext(ctx); logger != nil {
			ctx = logging.ContextWithLogger(ctx, logger.With("caller_id", identity.ID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	return identity.ID
}

// requireAdmin answers 403 unless the caller holds the admin role.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || !identity.IsAdmin() {
		writeError(w, http.StatusForbidden, errors.New("admin role required"))
		return false
	}
	return true
}
