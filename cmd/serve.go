package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/cache"
	"github.com/sells-group/plantid/internal/identify"
	"github.com/sells-group/plantid/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP identification server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Sweeper != nil {
			go cache.NewJanitor(env.Sweeper, cfg.Cache.SweepInterval).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env, int64(cfg.Server.MaxUploadMB)<<20),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type requestIDKey struct{}

// requestID tags every request with a UUID, honoring an inbound X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// accessLog logs each request once it completes.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type server struct {
	env       *appEnv
	maxUpload int64
}

// newRouter builds the HTTP surface around env. maxUpload bounds the
// multipart body in bytes.
func newRouter(env *appEnv, maxUpload int64) http.Handler {
	s := &server{env: env, maxUpload: maxUpload}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/identify", s.handleIdentify)
		r.Get("/providers", s.handleProviders)
		r.Post("/providers/{id}/reset", s.handleResetProvider)
	})
	return r
}

type identifyResponse struct {
	RequestID string `json:"request_id"`
	*model.CombinedResult
}

func (s *server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || errors.Is(err, multipart.ErrMessageTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", s.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close() //nolint:errcheck
	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read image")
		return
	}
	if len(image) == 0 {
		writeError(w, http.StatusBadRequest, "image is empty")
		return
	}

	opts, err := parseOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.env.Orchestrator.IdentifyImage(r.Context(), image, opts)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			zap.L().Warn("identify failed", zap.String("request_id", reqID), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}

	s.env.recordAsync(r.Context(), res, reqID)
	writeJSON(w, http.StatusOK, identifyResponse{RequestID: reqID, CombinedResult: res})
}

// parseOptions reads the optional form fields. organs may be repeated or
// comma separated.
func parseOptions(r *http.Request) (model.Options, error) {
	opts := model.Options{
		Project:  r.FormValue("project"),
		Language: r.FormValue("lang"),
	}
	for _, v := range r.Form["organs"] {
		for organ := range strings.SplitSeq(v, ",") {
			if organ = strings.TrimSpace(organ); organ != "" {
				opts.Organs = append(opts.Organs, organ)
			}
		}
	}
	if v := r.FormValue("include_diseases"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, eris.Errorf("include_diseases: invalid boolean %q", v)
		}
		opts.IncludeDiseases = b
	}
	if v := r.FormValue("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, eris.Errorf("max_results: must be a non-negative integer")
		}
		opts.MaxResults = n
	}
	return opts, nil
}

// statusFor maps orchestrator errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identify.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, identify.ErrNoUsableResult):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type providerStatus struct {
	ID                  string              `json:"id"`
	Status              model.CircuitStatus `json:"status"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	OpenedAt            *time.Time          `json:"opened_at,omitempty"`
}

func (s *server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": providerStatuses(s.env.Orchestrator)})
}

func (s *server) handleResetProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.env.Orchestrator.ResetProvider(id)
	if err != nil {
		if errors.Is(err, identify.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toProviderStatus(id, st))
}

func toProviderStatus(id string, st model.CircuitState) providerStatus {
	ps := providerStatus{ID: id, Status: st.Status, ConsecutiveFailures: st.ConsecutiveFailures}
	if !st.OpenedAt.IsZero() {
		opened := st.OpenedAt
		ps.OpenedAt = &opened
	}
	return ps
}

func providerStatuses(o *identify.Orchestrator) []providerStatus {
	statuses := o.Statuses()
	out := make([]providerStatus, 0, len(statuses))
	for _, id := range o.Providers() {
		out = append(out, toProviderStatus(id, statuses[id]))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
