// Package middleware provides HTTP middleware for the payment gateway
package middleware

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/httputil"
	"github.com/R3E-Network/payment_layer/internal/logging"
)

// DefaultTokenExpiry is how long issued operator tokens stay valid.
const DefaultTokenExpiry = 1 * time.Hour

const tokenIssuer = "payment-gateway"

// Claims represents operator JWT claims
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates operators on the admin surface. Tokens are
// EdDSA-signed, the same key family the gateway signs receipts with.
type AuthMiddleware struct {
	publicKey ed25519.PublicKey
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(publicKey ed25519.PublicKey, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		publicKey: publicKey,
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip authentication for certain paths
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		// Extract token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}

		// Check Bearer prefix
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		tokenString := parts[1]

		// Parse and validate token
		claims, err := m.validateToken(tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), logging.UserIDKey, claims.Subject)
		if claims.Role != "" {
			ctx = context.WithValue(ctx, logging.RoleKey, claims.Role)
		}

		// Log successful authentication
		m.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"operator": claims.Subject,
			"role":     claims.Role,
		}).Debug("Authentication successful")

		// Continue with authenticated request
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken validates a JWT token and returns claims
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.publicKey, nil
	})

	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}

	if claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}

	return claims, nil
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	httputil.WriteError(w, r, serviceErr)

	// Log the error
	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	}).Warn("Authentication failed")
}

// GetOperator extracts the authenticated operator subject from context
func GetOperator(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetOperatorRole extracts the authenticated operator role from context
func GetOperatorRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireOperator middleware ensures an authenticated operator is present
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetOperator(r.Context()) == "" {
			httputil.WriteError(w, r, errors.Unauthorized("operator authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenIssuer mints operator tokens for the admin surface.
type TokenIssuer struct {
	privateKey ed25519.PrivateKey
	subject    string
	role       string
	expiry     time.Duration
}

// NewTokenIssuer creates a new token issuer.
func NewTokenIssuer(privateKey ed25519.PrivateKey, subject, role string, expiry time.Duration) *TokenIssuer {
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenIssuer{
		privateKey: privateKey,
		subject:    subject,
		role:       role,
		expiry:     expiry,
	}
}

// Issue mints a new operator token.
func (g *TokenIssuer) Issue() (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: g.role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiry)),
			Issuer:    tokenIssuer,
			Subject:   g.subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(g.privateKey)
}
