// Package middleware provides HTTP middleware for the payment gateway
package middleware

import (
	"net/http"
	"time"

	"github.com/R3E-Network/payment_layer/internal/logging"
)

// maxTraceIDLength caps caller-supplied trace IDs so a hostile payer cannot
// inflate log lines.
const maxTraceIDLength = 64

// TracingMiddleware assigns every request a trace ID and emits one completion
// log line per request. The line carries the billing channel and payer when a
// downstream handler recorded them.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := sanitizeTraceID(r.Header.Get("X-Trace-ID"))
		if traceID == "" {
			traceID = logging.NewTraceID()
		}

		// The scope lets billing report the channel it settled even though
		// its child context never flows back to this frame.
		ctx := logging.WithRequestScope(logging.WithTraceID(r.Context(), traceID))

		w.Header().Set("X-Trace-ID", traceID)

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))

		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// sanitizeTraceID drops caller trace IDs that are oversized or carry
// non-printable bytes.
func sanitizeTraceID(s string) string {
	if len(s) == 0 || len(s) > maxTraceIDLength {
		return ""
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return ""
		}
	}
	return s
}

// Note: responseWriter type is defined in metrics.go
