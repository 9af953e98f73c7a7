// Package auth verifies the bearer tokens presented on chat upgrades. Tokens
// are HS256 JWTs minted by the account service; the subject is the user ID.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when a request carries no token at all.
	ErrNoToken = errors.New("auth: no token")
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("auth: token has expired")
)

// Config holds JWT verification settings.
type Config struct {
	Secret string
	Issuer string
	Leeway time.Duration // clock skew tolerated on exp/nbf
}

// DefaultConfig returns the development configuration. The secret must be
// overridden in production.
func DefaultConfig() Config {
	return Config{
		Secret: "dev-secret-change-me",
		Issuer: "matchify-api",
		Leeway: 30 * time.Second,
	}
}

// Claims are the token claims the relay relies on.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Verifier validates tokens and mints them for tooling.
type Verifier struct {
	config Config
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for the given configuration.
func NewVerifier(config Config) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &Verifier{config: config, parser: jwt.NewParser(opts...)}
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.config.Secret))
}

// Verify validates a token and returns its claims. A token without a
// subject is invalid.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}
	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(v.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest extracts a token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the "token" query
// parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
