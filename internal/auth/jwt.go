// Package auth verifies the HS256 bearer tokens that identify ledger users.
// Tokens are minted by the identity provider; the subject is the profile id
// that owns the credit balance.
package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// RoleAdmin grants access to operator endpoints such as manual credit grants.
const RoleAdmin = "admin"

// AccessTokenExpiry is the lifetime of tokens minted by GenerateAccessToken.
const AccessTokenExpiry = 15 * time.Minute

// DefaultLeeway absorbs clock skew between the identity provider and us.
const DefaultLeeway = 30 * time.Second

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrEmptyUserID    = errors.New("userID cannot be empty")
	ErrWrongTokenType = errors.New("token is not an access token")
)

// Claims are the token claims the ledger reads.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	// Type is "access" or "refresh". Providers that omit it issue access tokens only.
	Type string `json:"typ,omitempty"`
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Option configures a JWTService.
type Option func(*JWTService)

// WithPreviousSecret keeps accepting tokens signed with secret while a key
// rotation is in progress. An empty secret is ignored.
func WithPreviousSecret(secret string) Option {
	return func(s *JWTService) {
		if secret != "" {
			s.previousSecret = []byte(secret)
		}
	}
}

// WithLeeway overrides DefaultLeeway.
func WithLeeway(d time.Duration) Option {
	return func(s *JWTService) { s.leeway = d }
}

// WithAudience requires the aud claim to contain aud. Empty disables the check.
func WithAudience(aud string) Option {
	return func(s *JWTService) { s.audience = aud }
}

// WithIssuer requires the iss claim to equal iss. Empty disables the check.
func WithIssuer(iss string) Option {
	return func(s *JWTService) { s.issuer = iss }
}

// JWTService signs with the current secret and verifies with the current or
// previous one.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	audience       string
	issuer         string
}

// NewJWTService creates a service keyed by secret.
func NewJWTService(secret string, opts ...Option) *JWTService {
	s := &JWTService{currentSecret: []byte(secret), leeway: DefaultLeeway}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateAccessToken mints an access token for userID. Production tokens come
// from the identity provider; this serves tests and local tooling.
func (s *JWTService) GenerateAccessToken(userID, email string, roles ...string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		Email: email,
		Roles: roles,
		Type:  TokenTypeAccess,
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(s.leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// ValidateToken verifies signature, expiry, audience and issuer, trying the
// previous secret when the current one does not match.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	if s.previousSecret != nil && errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		claims, err = s.parse(tokenString, s.previousSecret)
		if err == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

// ValidateAccessToken is ValidateToken plus the checks a bearer token needs:
// a subject, and no refresh tokens.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	if claims.Subject == "" {
		return nil, ErrEmptyUserID
	}
	return claims, nil
}
