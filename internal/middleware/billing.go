// Package middleware provides HTTP middleware for the payment gateway
package middleware

import (
	"net/http"

	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/services/pricing"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/httputil"
	"github.com/R3E-Network/payment_layer/internal/logging"
	"github.com/R3E-Network/payment_layer/internal/rav"
)

// BillingMiddleware settles the payment header before the wrapped handler
// runs. It is the only component that feeds vouchers from the wire into the
// ledger.
type BillingMiddleware struct {
	ledger *billing.Service
	pricer *pricing.Service
	logger *logging.Logger
}

// NewBillingMiddleware creates a new billing middleware.
func NewBillingMiddleware(ledger *billing.Service, pricer *pricing.Service, logger *logging.Logger) *BillingMiddleware {
	return &BillingMiddleware{
		ledger: ledger,
		pricer: pricer,
		logger: logger,
	}
}

// Handler returns the billing middleware handler. Requests without a voucher
// are served unbilled when the free tier is on and rejected with 402
// otherwise. Once a voucher decodes, the response always carries a signed
// receipt header, whether the voucher was accepted or rejected.
func (m *BillingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := r.Header.Get(rav.VoucherHeader)
		if value == "" {
			if m.pricer.FreeTier() {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteError(w, r, errors.PaymentRequired())
			return
		}

		signed, err := rav.DecodeSignedHeader(value)
		if err != nil {
			receipt, rejectErr := m.ledger.RejectMalformed(r.Context(), err)
			m.attach(w, r, receipt)
			httputil.WriteError(w, r, rejectErr)
			return
		}

		price, err := m.pricer.Price(r.Context(), pricing.Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			ContentLength: r.ContentLength,
		})
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Error("price request")
			httputil.WriteError(w, r, errors.Internal("pricing failed", err))
			return
		}

		receipt, applyErr := m.ledger.Apply(r.Context(), signed, price)
		m.attach(w, r, receipt)
		if applyErr != nil {
			m.logger.WithContext(r.Context()).WithError(applyErr).WithFields(map[string]interface{}{
				"channel_id": signed.ChannelID.String(),
				"nonce":      signed.Nonce,
			}).Info("voucher rejected")
			httputil.WriteError(w, r, applyErr)
			return
		}

		ctx := logging.WithChannel(r.Context(), signed.ChannelID.String(), "")
		m.logger.WithContext(ctx).WithField("nonce", signed.Nonce).Debug("voucher accepted")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// attach sets the receipt header. The header must be written before the
// status line, so this runs ahead of any error response.
func (m *BillingMiddleware) attach(w http.ResponseWriter, r *http.Request, receipt *rav.SignedReceipt) {
	if receipt == nil {
		return
	}
	value, err := rav.EncodeReceiptHeader(receipt)
	if err != nil {
		m.logger.WithContext(r.Context()).WithError(err).Error("encode receipt header")
		return
	}
	w.Header().Set(rav.ReceiptHeader, value)
}
