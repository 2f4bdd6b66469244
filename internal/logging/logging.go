// Package logging carries request-scoped identifiers through contexts and
// provides the request logger used by the HTTP middleware.
package logging

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

// Context keys for request-scoped values.
const (
	TraceIDKey   contextKey = "trace_id"
	UserIDKey    contextKey = "user_id"
	RoleKey      contextKey = "role"
	ChannelIDKey contextKey = "channel_id"
	PayerDIDKey  contextKey = "payer_did"

	scopeKey contextKey = "request_scope"
)

// requestScope collects identifiers that only become known after the tracing
// middleware has forked the context. Billing runs deeper in the chain, and
// its child contexts never flow back up, so the channel and payer land here
// for the completion log line.
type requestScope struct {
	mu        sync.Mutex
	channelID string
	payerDID  string
}

// WithRequestScope installs a mutable scope for later middleware to fill.
func WithRequestScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey, &requestScope{})
}

func scopeFrom(ctx context.Context) *requestScope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey).(*requestScope)
	return s
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID stored in the context, if any.
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// WithUserID stores the authenticated operator subject in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the authenticated operator subject, if any.
func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

// GetRole returns the authenticated operator role, if any.
func GetRole(ctx context.Context) string {
	return stringValue(ctx, RoleKey)
}

// WithChannel stores the billing channel and payer identifiers handled by
// the current request. When a request scope is present the identifiers are
// also recorded there, so ancestors of ctx see them too.
func WithChannel(ctx context.Context, channelID, payerDID string) context.Context {
	if s := scopeFrom(ctx); s != nil {
		s.mu.Lock()
		s.channelID = channelID
		s.payerDID = payerDID
		s.mu.Unlock()
	}
	ctx = context.WithValue(ctx, ChannelIDKey, channelID)
	return context.WithValue(ctx, PayerDIDKey, payerDID)
}

// GetChannelID returns the billing channel handled by the current request.
func GetChannelID(ctx context.Context) string {
	if v := stringValue(ctx, ChannelIDKey); v != "" {
		return v
	}
	if s := scopeFrom(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.channelID
	}
	return ""
}

// GetPayerDID returns the payer identity handled by the current request.
func GetPayerDID(ctx context.Context) string {
	if v := stringValue(ctx, PayerDIDKey); v != "" {
		return v
	}
	if s := scopeFrom(ctx); s != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.payerDID
	}
	return ""
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Logger is the request logger handed to HTTP middleware.
type Logger struct {
	log *logrus.Logger
}

// NewLogger builds a request logger at the given level. JSON output is used
// unless textFormat is set.
func NewLogger(level string, textFormat bool) *Logger {
	l := logrus.New()
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	}
	if textFormat {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Logger{log: l}
}

// NewDefaultLogger builds an info-level JSON request logger.
func NewDefaultLogger() *Logger {
	return NewLogger("info", false)
}

// SetOutput redirects the underlying logger output.
func (l *Logger) SetOutput(w io.Writer) {
	l.log.SetOutput(w)
}

// WithContext returns an entry annotated with every request-scoped value
// present in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if v := GetTraceID(ctx); v != "" {
		fields["trace_id"] = v
	}
	if v := GetUserID(ctx); v != "" {
		fields["user_id"] = v
	}
	if v := GetRole(ctx); v != "" {
		fields["role"] = v
	}
	if v := GetChannelID(ctx); v != "" {
		fields["channel_id"] = v
	}
	if v := GetPayerDID(ctx); v != "" {
		fields["payer_did"] = v
	}
	return l.log.WithFields(fields)
}

// LogRequest records one served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("request completed")
}

// LogSecurityEvent records an auth or abuse related event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithField("event", event)
	if len(fields) > 0 {
		entry = entry.WithFields(logrus.Fields(fields))
	}
	entry.Warn("security event")
}
