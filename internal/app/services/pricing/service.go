// Package pricing decides the amount debited for each billed request.
package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// Rule prices requests matching a method and path prefix. An empty method
// matches any method. Rules are evaluated in order; the first match wins.
type Rule struct {
	Method     string
	PathPrefix string
	Price      *big.Int
}

// Request carries the attributes a pricer may inspect.
type Request struct {
	Method        string
	Path          string
	ContentLength int64
}

// Options configures a pricing service.
type Options struct {
	Rules        []Rule
	DefaultPrice *big.Int
	FreeTier     bool
	DailyCap     *big.Int

	// Script optionally overrides static rules with a JavaScript hook.
	// The script must define price(req) returning a non-negative integer
	// or decimal string. Evaluation errors fall back to the static rule.
	Script        string
	ScriptTimeout time.Duration
}

// Service computes per-request prices from ordered static rules with an
// optional script override.
type Service struct {
	rules    []Rule
	def      *big.Int
	freeTier bool
	dailyCap *big.Int
	script   *scriptHook
	log      *logger.Logger
}

// New constructs a pricing service. The script, when present, is validated
// at construction so misconfiguration fails at startup rather than on the
// first billed request.
func New(opts Options, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("pricing")
	}

	def := opts.DefaultPrice
	if def == nil {
		def = big.NewInt(0)
	}
	if def.Sign() < 0 {
		return nil, fmt.Errorf("default price must not be negative")
	}
	for i, r := range opts.Rules {
		if r.PathPrefix == "" {
			return nil, fmt.Errorf("rule %d: path prefix is required", i)
		}
		if r.Price == nil || r.Price.Sign() < 0 {
			return nil, fmt.Errorf("rule %d: price must be a non-negative amount", i)
		}
	}

	s := &Service{
		rules:    opts.Rules,
		def:      def,
		freeTier: opts.FreeTier,
		dailyCap: opts.DailyCap,
		log:      log,
	}
	if strings.TrimSpace(opts.Script) != "" {
		hook, err := newScriptHook(opts.Script, opts.ScriptTimeout)
		if err != nil {
			return nil, fmt.Errorf("pricing script: %w", err)
		}
		s.script = hook
	}
	return s, nil
}

// Price returns the amount to debit for the request. A zero price marks the
// request free of charge.
func (s *Service) Price(ctx context.Context, req Request) (*big.Int, error) {
	static := s.staticPrice(req)
	if s.script == nil {
		return static, nil
	}

	quoted, err := s.script.Price(ctx, req)
	if err != nil {
		s.log.WithError(err).WithField("path", req.Path).Warn("pricing script failed; using static rule")
		return static, nil
	}
	return quoted, nil
}

// FreeTier reports whether requests without a voucher are served unbilled.
func (s *Service) FreeTier() bool {
	return s.freeTier
}

// DailyCap returns the per-channel daily spending cap, or nil when uncapped.
func (s *Service) DailyCap() *big.Int {
	if s.dailyCap == nil {
		return nil
	}
	return new(big.Int).Set(s.dailyCap)
}

func (s *Service) staticPrice(req Request) *big.Int {
	for _, r := range s.rules {
		if r.Method != "" && !strings.EqualFold(r.Method, req.Method) {
			continue
		}
		if !strings.HasPrefix(req.Path, r.PathPrefix) {
			continue
		}
		return new(big.Int).Set(r.Price)
	}
	return new(big.Int).Set(s.def)
}

// ParseAmount converts a decimal string from configuration into an amount.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", s)
	}
	return v, nil
}
