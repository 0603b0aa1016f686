package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/trustrep/pkg/logger"
	"github.com/okian/trustrep/pkg/metrics"
)

// MetricsMiddleware records request counts, latency and error codes per endpoint.
// Server errors are logged with the code writeError reported.
func MetricsMiddleware(next http.HandlerFunc, endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		elapsed := time.Since(start)
		durationMs := float64(elapsed.Milliseconds())
		status := strconv.Itoa(wrapped.statusCode)

		metrics.RecordHTTPRequest(endpoint, r.Method, status)
		metrics.RecordHTTPRequestDuration(endpoint, r.Method, status, durationMs)

		if wrapped.statusCode < http.StatusBadRequest {
			return
		}
		code := wrapped.errorCode
		if code == "" {
			code = fallbackCode(wrapped.statusCode)
		}
		severity := errorSeverity(wrapped.statusCode)
		metrics.RecordErrorByEndpoint(endpoint, r.Method, code)
		metrics.RecordErrorByType(code, severity)
		metrics.RecordErrorLatency("http", code, durationMs)

		if wrapped.statusCode >= http.StatusInternalServerError {
			logger.Named("http").Warn(r.Context(), "request failed",
				logger.String("endpoint", endpoint),
				logger.String("method", r.Method),
				logger.Int("status", wrapped.statusCode),
				logger.String("code", code),
				logger.Duration("elapsed", elapsed))
		}
	}
}

// fallbackCode labels errors written by the mux or the standard library.
func fallbackCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusTooManyRequests:
		return "busy"
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	return "bad_request"
}

// errorSeverity is high for failures operators must act on.
func errorSeverity(status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "high"
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return "medium"
	default:
		return "low"
	}
}

// responseWriter captures the first status and the error code of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	errorCode   string
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and MaxBytesReader reach the original writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}
	return n, nil
}

// tagError records code on w when w is instrumented.
func tagError(w http.ResponseWriter, code string) {
	if rw, ok := w.(*responseWriter); ok {
		rw.errorCode = code
	}
}
