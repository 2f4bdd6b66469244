package payer

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// PriceFunc returns the amount to authorize for one outgoing request.
type PriceFunc func(r *http.Request) *big.Int

// FixedPrice authorizes the same amount for every request.
func FixedPrice(v *big.Int) PriceFunc {
	return func(*http.Request) *big.Int {
		return new(big.Int).Set(v)
	}
}

// Transport is an http.RoundTripper that issues a voucher for each request,
// attaches it as the payment header and reconciles the receipt from the
// response. The wrapped business call stays a plain HTTP request to the
// caller.
type Transport struct {
	client    *Client
	channelID rav.ChannelID
	price     PriceFunc
	base      http.RoundTripper
	log       *logger.Logger
}

// TransportOptions configures a billing transport.
type TransportOptions struct {
	Client    *Client
	ChannelID rav.ChannelID
	Price     PriceFunc

	// Base performs the underlying request. Nil uses
	// http.DefaultTransport.
	Base http.RoundTripper

	Log *logger.Logger
}

// NewTransport builds a billing round tripper.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("payer: transport client is required")
	}
	if opts.ChannelID.IsZero() {
		return nil, fmt.Errorf("payer: transport channel ID is required")
	}
	if opts.Price == nil {
		return nil, fmt.Errorf("payer: transport price function is required")
	}
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("payer-transport")
	}
	return &Transport{
		client:    opts.Client,
		channelID: opts.ChannelID,
		price:     opts.Price,
		base:      base,
		log:       log,
	}, nil
}

// RoundTrip implements http.RoundTripper. A reconciliation failure never
// replaces the business response; it is logged and the response is returned
// as-is so the caller can inspect the receipt itself.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	signed, err := t.client.IssueVoucher(t.channelID, t.price(req))
	if err != nil {
		return nil, fmt.Errorf("payer: issue voucher: %w", err)
	}
	header, err := rav.EncodeSignedHeader(signed)
	if err != nil {
		return nil, fmt.Errorf("payer: encode voucher: %w", err)
	}

	// RoundTrippers must not mutate the caller's request.
	billed := req.Clone(req.Context())
	billed.Header.Set(rav.VoucherHeader, header)

	resp, err := t.base.RoundTrip(billed)
	if err != nil {
		return nil, err
	}

	receipt, err := ReceiptFromResponse(resp)
	if err != nil {
		t.log.WithError(err).WithField("channel_id", t.channelID.String()).Warn("decode response receipt")
		return resp, nil
	}
	if receipt == nil {
		t.log.WithField("channel_id", t.channelID.String()).Debug("response carried no receipt")
		return resp, nil
	}
	if err := t.client.Reconcile(receipt); err != nil {
		t.log.WithError(err).WithField("channel_id", t.channelID.String()).Warn("reconcile receipt")
	}
	return resp, nil
}

// ReceiptFromResponse decodes the receipt header from a billed response,
// returning nil when the response carries none.
func ReceiptFromResponse(resp *http.Response) (*rav.SignedReceipt, error) {
	value := resp.Header.Get(rav.ReceiptHeader)
	if value == "" {
		return nil, nil
	}
	return rav.DecodeReceiptHeader(value)
}
