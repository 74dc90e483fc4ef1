package api

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so the first middleware is the outermost.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func recorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// requestIDMiddleware reuses the caller's X-Request-ID or assigns one, and
// stores a request-scoped logger in the context.
func requestIDMiddleware(log *logger.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(logger.RequestIDHeader)
			if id == "" {
				id = logger.NewRequestID()
			}
			w.Header().Set(logger.RequestIDHeader, id)

			ctx := logger.WithRequestID(r.Context(), id)
			ctx = logger.WithContext(ctx, log.WithFields(logger.NewField("request_id", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggingMiddleware(log *logger.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recorder(w)
			next.ServeHTTP(rec, r)
			log.InfoContext(r.Context(), "request",
				logger.NewField("method", r.Method),
				logger.NewField("path", r.URL.Path),
				logger.NewField("status", rec.status),
				logger.NewField("duration", time.Since(start).String()),
			)
		})
	}
}

// metricsMiddleware labels requests with the matched route pattern.
func metricsMiddleware(service string) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := recorder(w)
			next.ServeHTTP(rec, r)
			metrics.ObserveRequest(service, r.Pattern, rec.status, time.Since(start))
		})
	}
}

func corsMiddleware(origin string) middleware {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+logger.RequestIDHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware turns a panicking handler into a 500 response.
func recoveryMiddleware(log *logger.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					err := errors.Errorf("panic: %v", v)
					log.ErrorContext(r.Context(), err,
						logger.NewField("path", r.URL.Path),
						logger.NewField("stack", string(debug.Stack())),
					)
					writeError(w, r, apperr.Wrap(apperr.KindInternal, err, fmt.Sprintf("internal error handling %s", r.URL.Path)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
