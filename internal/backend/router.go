package backend

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stefando/chunkedUpload/internal/auth"
	"github.com/stefando/chunkedUpload/internal/logger"
	"github.com/stefando/chunkedUpload/internal/transport"
)

const (
	opInitiate = "initiate"
	opSignPart = "sign_part"
	opComplete = "complete"
	opAbort    = "abort"
	opCSRF     = "csrf"

	// maxRequestBody bounds JSON request bodies; a complete call for
	// 10000 parts stays well below it
	maxRequestBody = 2 << 20
)

// RouterOptions configures the HTTP surface of the backend
type RouterOptions struct {
	CSRFCookie  string
	CSRFHeader  string
	Verifier    auth.Verifier
	RequireAuth bool
	Metrics     *Metrics
	Logger      zerolog.Logger
}

type handler struct {
	svc        *Service
	csrfCookie string
	logger     zerolog.Logger
}

// NewRouter creates the chi router serving the upload protocol
func NewRouter(svc *Service, opts RouterOptions) *chi.Mux {
	if opts.CSRFCookie == "" {
		opts.CSRFCookie = "csrftoken"
	}
	if opts.CSRFHeader == "" {
		opts.CSRFHeader = transport.DefaultCSRFHeader
	}
	if opts.Verifier == nil {
		opts.Verifier = auth.UnverifiedParser{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	h := &handler{svc: svc, csrfCookie: opts.CSRFCookie, logger: opts.Logger}
	m := opts.Metrics

	r := chi.NewRouter()

	// Middleware for all routes
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Route("/api/movies/upload", func(r chi.Router) {
		r.Use(auth.TenantMiddleware(opts.Verifier, opts.RequireAuth, opts.Logger))

		r.Get("/csrf/", m.Instrument(opCSRF, h.handleCSRF))

		r.Group(func(r chi.Router) {
			r.Use(csrfProtect(opts.CSRFCookie, opts.CSRFHeader))
			r.Use(middleware.AllowContentType("application/json"))

			r.Post("/initiate/", m.Instrument(opInitiate, h.handleInitiate))
			r.Post("/sign-part/", m.Instrument(opSignPart, h.handleSignPart))
			r.Post("/complete/", m.Instrument(opComplete, h.handleComplete))
			r.Post("/abort/", m.Instrument(opAbort, h.handleAbort))
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

// handleCSRF plants a fresh anti-forgery cookie and echoes its value
func (h *handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token := uuid.New().String()
	if c, err := r.Cookie(h.csrfCookie); err == nil && c.Value != "" {
		token = c.Value
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.csrfCookie,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		Secure:   isHTTPS(r),
		Expires:  time.Now().Add(365 * 24 * time.Hour),
	})
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req transport.InitiateUploadRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, _ := auth.GetTenantID(r.Context())

	resp, err := h.svc.Initiate(r.Context(), tenantID, req)
	if err != nil {
		h.fail(w, r, "initiate upload", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleSignPart(w http.ResponseWriter, r *http.Request) {
	var req transport.SignPartRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, _ := auth.GetTenantID(r.Context())

	resp, err := h.svc.SignPart(r.Context(), tenantID, req)
	if err != nil {
		h.fail(w, r, "sign part", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req transport.CompleteUploadRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, _ := auth.GetTenantID(r.Context())

	resp, err := h.svc.Complete(r.Context(), tenantID, req)
	if err != nil {
		h.fail(w, r, "complete upload", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req transport.AbortUploadRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, _ := auth.GetTenantID(r.Context())

	if err := h.svc.Abort(r.Context(), tenantID, req); err != nil {
		h.fail(w, r, "abort upload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps validation errors to 400 and everything else to 502, since the
// only other failures come from S3 or STS
func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	log := logger.Ctx(r.Context())
	if IsValidation(err) {
		log.Info().Err(err).Str("op", op).Msg("rejected request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Error().Err(err).Str("op", op).Msg("storage operation failed")
	http.Error(w, "Failed to "+op, http.StatusBadGateway)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// isHTTPS reports whether the client reached us over TLS, either directly or
// through a proxy such as API Gateway that terminates it
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// csrfProtect enforces the double-submit check: the header must carry the
// same value as the anti-forgery cookie
func csrfProtect(cookieName, headerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(headerName)
			cookie, err := r.Cookie(cookieName)
			if err != nil || cookie.Value == "" || header == "" ||
				subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
				http.Error(w, "CSRF verification failed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger attaches a request-scoped logger to the context and logs
// every request once it has been served
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := base.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(logger.WithLogger(r.Context(), &reqLogger)))

			reqLogger.Info().
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("remote", r.RemoteAddr).
				Dur("elapsed", time.Since(start)).
				Msg("request served")
		})
	}
}
