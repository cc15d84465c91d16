package api

import (
	"net/http"
	"time"

	"github.com/glimte/mmate-gateway/internal/telemetry"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// statusClientClosed is logged when the caller went away before a reply
const statusClientClosed = 499

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

// requestLogging tags each request with an id, stores a request-scoped
// logger in its context and logs the outcome
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := telemetry.WithRequestID(s.logger, requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(telemetry.WithLogger(r.Context(), logger)))

		status := rec.status
		if !rec.wrote && r.Context().Err() != nil {
			status = statusClientClosed
		}
		route := routeName(r)
		elapsed := time.Since(start)

		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration", elapsed)

		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, elapsed)
		}
	})
}

// recoverPanics turns a handler panic into a 500
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			telemetry.FromContext(r.Context()).Error("panic in handler",
				"path", r.URL.Path,
				"panic", rec)
			writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
		}()

		next.ServeHTTP(w, r)
	})
}

func routeName(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	if name := route.GetName(); name != "" {
		return name
	}
	if tpl, err := route.GetPathTemplate(); err == nil {
		return tpl
	}
	return "unknown"
}
