// Package httpapi exposes the gateway's HTTP surface: the read API over
// channels and receipts, the operator admin endpoints, the receipt event
// stream and the billed business routes.
package httpapi

import (
	"context"
	"crypto/ed25519"
	"net/http"
	stdhttputil "net/http/httputil"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	app "github.com/R3E-Network/payment_layer/internal/app"
	"github.com/R3E-Network/payment_layer/internal/app/metrics"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/httputil"
	"github.com/R3E-Network/payment_layer/internal/logging"
	"github.com/R3E-Network/payment_layer/internal/middleware"
)

// Options configures the HTTP surface around the application services.
type Options struct {
	// OperatorKey verifies operator tokens on the /v1/admin routes. Nil
	// disables the admin surface entirely.
	OperatorKey ed25519.PublicKey

	// Upstream receives billed requests that clear the payment check. Nil
	// serves the built-in demo responder instead.
	Upstream *url.URL

	// AllowedOrigins configures CORS. Empty disables cross-origin access.
	AllowedOrigins []string

	// RateLimit throttles per client address, or per channel once a voucher
	// header is present. Zero disables throttling.
	RateLimit float64
	RateBurst int

	// AuditPath appends operator actions as JSONL. Empty keeps the
	// in-memory ring only.
	AuditPath string
	AuditMax  int

	Log *logging.Logger
}

// handler bundles the HTTP endpoints for the gateway services.
type handler struct {
	app     *app.Application
	audit   *auditLog
	log     *logging.Logger
	started time.Time
}

// NewHandler returns the fully wired gateway handler: tracing, metrics and
// CORS on every route, rate limiting and billing on the business surface,
// operator auth on /v1/admin.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = logging.NewDefaultLogger()
	}

	sink, err := newFileAuditSink(opts.AuditPath)
	if err != nil {
		return nil, err
	}

	h := &handler{
		app:     application,
		audit:   newAuditLog(opts.AuditMax, sink),
		log:     log,
		started: time.Now(),
	}

	tracing := middleware.NewTracingMiddleware(log)
	cors := middleware.NewCORSMiddleware(opts.AllowedOrigins)

	root := mux.NewRouter()
	root.Use(tracing.Handler)
	root.Use(middleware.MetricsMiddleware())
	root.Use(cors.Handler)

	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	root.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	var limiter *middleware.RateLimiter
	if opts.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(opts.RateLimit, opts.RateBurst, log)
		limiter.StartCleanup(time.Minute)
	}

	v1 := root.PathPrefix("/v1").Subrouter()
	if limiter != nil {
		v1.Use(limiter.Handler)
	}
	v1.HandleFunc("/channels", h.listChannels).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{id}", h.getChannel).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{id}/receipts", h.listReceipts).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{id}/settlements", h.listSettlements).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{id}/events", h.channelEvents).Methods(http.MethodGet)

	if opts.OperatorKey != nil {
		auth := middleware.NewAuthMiddleware(opts.OperatorKey, log, nil)
		admin := v1.PathPrefix("/admin").Subrouter()
		admin.Use(auth.Handler, middleware.RequireOperator, h.auditActions)
		admin.HandleFunc("/channels/{id}/settle", h.adminSettle).Methods(http.MethodPost)
		admin.HandleFunc("/channels/{id}/close", h.adminClose).Methods(http.MethodPost)
		admin.HandleFunc("/channels/{id}/dispute", h.adminDispute).Methods(http.MethodPost)
		admin.HandleFunc("/did/{did}/invalidate", h.adminInvalidateDID).Methods(http.MethodPost)
		admin.HandleFunc("/audit", h.adminAudit).Methods(http.MethodGet)
	} else {
		log.WithContext(context.Background()).Warn("no operator key configured; admin surface disabled")
	}

	// Unmatched /v1 paths must not leak into the billed surface.
	v1.PathPrefix("/").HandlerFunc(h.notFound)

	billing := middleware.NewBillingMiddleware(application.Ledger, application.Pricing, log)
	billed := root.PathPrefix("/").Subrouter()
	if limiter != nil {
		billed.Use(limiter.Handler)
	}
	billed.Use(billing.Handler)
	billed.PathPrefix("/").Handler(h.billedBackend(opts.Upstream))

	return root, nil
}

func (h *handler) notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteError(w, r, errors.NotFound("route", r.URL.Path))
}

// billedBackend returns the handler serving paid requests: a reverse proxy
// when an upstream is configured, the demo responder otherwise.
func (h *handler) billedBackend(upstream *url.URL) http.Handler {
	if upstream == nil {
		return http.HandlerFunc(h.demo)
	}
	proxy := stdhttputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.WithContext(r.Context()).WithError(err).Error("proxy upstream request")
		httputil.WriteError(w, r, errors.UpstreamUnavailable(err))
	}
	return proxy
}

// demo answers billed requests when no upstream is configured. It echoes
// enough of the request to exercise the payment flow end to end.
func (h *handler) demo(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"service":    "demo",
		"method":     r.Method,
		"path":       r.URL.Path,
		"channel_id": logging.GetChannelID(r.Context()),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "healthy",
		"service":        "payment-gateway",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"subscribers":    h.app.Events.Subscribers(),
		"settlement":     h.app.Settlement != nil,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			body["memory_rss_bytes"] = memInfo.RSS
		}
		if cpuPct, err := proc.CPUPercent(); err == nil {
			body["cpu_percent"] = cpuPct
		}
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *handler) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.app.Ledger.ListChannels(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := channels[:0]
		for _, ch := range channels {
			if string(ch.State) == state {
				filtered = append(filtered, ch)
			}
		}
		channels = filtered
	}
	httputil.WriteJSON(w, http.StatusOK, toChannelViews(channels))
}

func (h *handler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.app.Ledger.GetChannel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toChannelView(ch))
}

func (h *handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httputil.WriteError(w, r, errors.InvalidInput("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	recs, err := h.app.Ledger.ListReceipts(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toReceiptViews(recs))
}

func (h *handler) listSettlements(w http.ResponseWriter, r *http.Request) {
	if h.app.Settlement == nil {
		httputil.WriteJSON(w, http.StatusOK, []settlementView{})
		return
	}
	recs, err := h.app.Settlement.ListRecords(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSettlementViews(recs))
}

// channelEvents upgrades to a websocket and streams accepted receipts for
// one channel until the client goes away.
func (h *handler) channelEvents(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	if _, err := h.app.Ledger.GetChannel(r.Context(), channelID); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.app.Events.ServeWS(w, r, channelID)
}
