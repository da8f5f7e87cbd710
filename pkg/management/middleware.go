package management

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nimburion/jobexec/pkg/observability/logger"
	"github.com/nimburion/jobexec/pkg/observability/metrics"
)

// RequestIDHeader is the HTTP header carrying the request correlation id.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFromContext returns the request id stored by the request id middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// requestID preserves an incoming X-Request-ID or generates one.
func requestID() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// instrument logs every request and records the HTTP metrics under the
// matched route template.
func instrument(log logger.Logger, requests *metrics.RequestMetrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			done := requests.Begin(r.Method)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}
			done(path, rec.status)
			elapsed := time.Since(start)
			log.Debug("management request",
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// recovery turns a handler panic into a 500 response.
func recovery(log logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					id := RequestIDFromContext(r.Context())
					log.Error("panic recovered",
						"request_id", id,
						"panic", p,
						"stack", string(debug.Stack()),
					)
					if !rec.written {
						writeJSON(rec, http.StatusInternalServerError, errorResponse{
							Error:     "internal_server_error",
							Message:   "an unexpected error occurred",
							RequestID: id,
						})
					}
				}
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
