package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"voiced/internal/bootstrap"
	"voiced/internal/runtime"
	"voiced/pkg/types"
)

// BootstrapService is the slice of the orchestrator the HTTP layer needs.
type BootstrapService interface {
	GetStatus() types.BootstrapStatus
	Start(input bootstrap.StartInput) types.BootstrapStatus
	SetAutoStartEnabled(enabled bool) error
}

// RuntimeService is the slice of the supervisor the HTTP layer needs.
type RuntimeService interface {
	Health(ctx context.Context) types.RuntimeHealth
	Wake(ctx context.Context) error
	Stop()
	Policy() types.ResourcePolicy
	SetResourcePolicy(p types.ResourcePolicy) error
	Voices(ctx context.Context) ([]types.Voice, error)
	Validate(ctx context.Context, text string) (types.TagValidation, error)
	Preview(ctx context.Context, req types.PreviewRequest) (types.PreviewResult, error)
	Batch(ctx context.Context, req types.BatchRequest, onProgress func(types.BatchProgress)) (types.BatchResult, error)
}

// maxBodyBytes limits JSON request bodies. Batch scripts are text, so 1 MiB
// is plenty.
const maxBodyBytes int64 = 1 << 20

// MuxOptions configures the router.
type MuxOptions struct {
	Bootstrap   BootstrapService
	Runtime     RuntimeService
	Log         zerolog.Logger
	CORSOrigins []string
}

// NewMux builds the daemon's HTTP handler.
func NewMux(opts MuxOptions) http.Handler {
	log := opts.Log.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Route("/bootstrap", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, opts.Bootstrap.GetStatus())
		})

		r.Post("/start", func(w http.ResponseWriter, req *http.Request) {
			var input bootstrap.StartInput
			if !decodeBody(w, req, &input) {
				return
			}
			st := opts.Bootstrap.Start(input)
			status := http.StatusAccepted
			if st.Phase == types.PhaseError {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, st)
		})

		r.Post("/autostart", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Enabled bool `json:"enabled"`
			}
			if !decodeBody(w, req, &body) {
				return
			}
			if err := opts.Bootstrap.SetAutoStartEnabled(body.Enabled); err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
		})
	})

	r.Route("/runtime", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, opts.Runtime.Health(req.Context()))
		})

		r.Post("/start", func(w http.ResponseWriter, req *http.Request) {
			if err := opts.Runtime.Wake(req.Context()); err != nil {
				writeRuntimeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, opts.Runtime.Health(req.Context()))
		})

		r.Post("/stop", func(w http.ResponseWriter, req *http.Request) {
			opts.Runtime.Stop()
			writeJSON(w, http.StatusOK, opts.Runtime.Health(req.Context()))
		})

		r.Get("/policy", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, opts.Runtime.Policy())
		})

		r.Put("/policy", func(w http.ResponseWriter, req *http.Request) {
			var p types.ResourcePolicy
			if !decodeBody(w, req, &p) {
				return
			}
			if p.IdleStopMs < 0 {
				writeJSONError(w, http.StatusBadRequest, "idleStopDurationMs must not be negative")
				return
			}
			if err := opts.Runtime.SetResourcePolicy(p); err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, p)
		})
	})

	r.Get("/voices", func(w http.ResponseWriter, req *http.Request) {
		voices, err := opts.Runtime.Voices(req.Context())
		if err != nil {
			writeRuntimeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
	})

	r.Post("/validate-tags", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, req, &body) {
			return
		}
		v, err := opts.Runtime.Validate(req.Context(), body.Text)
		if err != nil {
			writeRuntimeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	r.Post("/preview", func(w http.ResponseWriter, req *http.Request) {
		var body types.PreviewRequest
		if !decodeBody(w, req, &body) {
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}
		if strings.TrimSpace(body.VoiceID) == "" {
			writeJSONError(w, http.StatusBadRequest, "voiceId is required")
			return
		}
		start := time.Now()
		res, err := opts.Runtime.Preview(req.Context(), body)
		if err != nil {
			writeRuntimeError(w, err)
			return
		}
		log.Info().Str("voice", body.VoiceID).Dur("dur", time.Since(start)).Msg("preview done")
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/batch", func(w http.ResponseWriter, req *http.Request) {
		var body types.BatchRequest
		if !decodeBody(w, req, &body) {
			return
		}
		if len(body.Segments) == 0 {
			writeJSONError(w, http.StatusBadRequest, "segments must not be empty")
			return
		}
		for _, seg := range body.Segments {
			if strings.TrimSpace(seg.Text) == "" {
				writeJSONError(w, http.StatusBadRequest, "segment "+seg.ID+" has no text")
				return
			}
		}

		// Progress streams as NDJSON while the batch runs; the final line is
		// either the result or the error.
		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		writeLine := func(v any) {
			if err := json.NewEncoder(w).Encode(v); err != nil {
				return
			}
			if flush != nil {
				flush()
			}
		}

		start := time.Now()
		res, err := opts.Runtime.Batch(req.Context(), body, func(p types.BatchProgress) {
			writeLine(map[string]any{"type": "progress", "completed": p.Completed, "total": p.Total, "wavPath": p.WavPath})
		})
		if err != nil {
			if req.Context().Err() != nil {
				return
			}
			writeLine(map[string]any{"type": "error", "error": err.Error()})
			return
		}
		log.Info().Int("segments", len(body.Segments)).Dur("dur", time.Since(start)).Msg("batch done")
		writeLine(map[string]any{"type": "result", "wavPaths": res.WavPaths, "engines": res.Engines})
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Bootstrap.GetStatus().Phase == types.PhaseReady {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeBody enforces the JSON content type and body limit, then decodes
// into dst. It writes the error response itself and reports success.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeRuntimeError maps well-known runtime errors to HTTP status codes.
func writeRuntimeError(w http.ResponseWriter, err error) {
	switch {
	case runtime.IsNotConfigured(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case runtime.IsWakeBlocked(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	case runtime.IsStartFailed(err), runtime.IsWorkerExited(err):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	case runtime.IsRPCTimeout(err):
		writeJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
