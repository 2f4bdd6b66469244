package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/httputil"
	"github.com/R3E-Network/payment_layer/internal/middleware"
)

func (h *handler) settlementDisabled() *errors.ServiceError {
	return errors.New(errors.ErrCodeSettlementFailed, http.StatusServiceUnavailable,
		"settlement is not configured", nil)
}

// writeSettlementOutcome renders one settlement call. A nil record means the
// chain already reflected the requested state and there was nothing to do.
func writeSettlementOutcome(w http.ResponseWriter, rec *channel.SettlementRecord) {
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSettlementView(*rec))
}

func (h *handler) adminSettle(w http.ResponseWriter, r *http.Request) {
	if h.app.Settlement == nil {
		httputil.WriteError(w, r, h.settlementDisabled())
		return
	}
	rec, err := h.app.Settlement.SubmitLatest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	writeSettlementOutcome(w, rec)
}

func (h *handler) adminClose(w http.ResponseWriter, r *http.Request) {
	if h.app.Settlement == nil {
		httputil.WriteError(w, r, h.settlementDisabled())
		return
	}
	rec, err := h.app.Settlement.Close(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	writeSettlementOutcome(w, rec)
}

func (h *handler) adminDispute(w http.ResponseWriter, r *http.Request) {
	if h.app.Settlement == nil {
		httputil.WriteError(w, r, h.settlementDisabled())
		return
	}
	rec, err := h.app.Settlement.Dispute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	writeSettlementOutcome(w, rec)
}

// adminInvalidateDID evicts one document from the resolver cache so a payer
// key rotation takes effect immediately.
func (h *handler) adminInvalidateDID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["did"]
	invalidated := h.app.InvalidateDID(id)
	if !invalidated {
		h.log.WithContext(r.Context()).WithField("did", id).
			Warn("resolver does not cache documents; invalidate is a no-op")
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"did":         id,
		"invalidated": invalidated,
	})
}

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httputil.WriteError(w, r, errors.InvalidInput("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	httputil.WriteJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// auditActions records every operator call, including failed ones.
func (h *handler) auditActions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		vars := mux.Vars(r)
		target := vars["id"]
		if target == "" {
			target = vars["did"]
		}
		h.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			User:       middleware.GetOperator(r.Context()),
			Role:       middleware.GetOperatorRole(r.Context()),
			Target:     target,
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (c *statusCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}
