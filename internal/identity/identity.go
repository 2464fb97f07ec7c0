// Package identity issues and verifies the signed bearer tokens that carry a
// user's display name and opaque subject id.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/HernanFAR/PrivateChat/internal/config"
)

// MaxNameLength bounds a display name, in runes.
const MaxNameLength = 64

var (
	// ErrInvalidToken is returned for a token that is malformed, expired, or not signed by this service.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidName is returned when issuing a token for an unusable display name.
	ErrInvalidName = errors.New("invalid display name")
)

// Identity is the verified content of a token.
type Identity struct {
	// ID is the opaque subject id the registry is keyed by.
	ID string
	// Name is the display name.
	Name string
}

// Claims is the JWT claim set of a chat token.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Service signs and verifies HS256 tokens.
type Service struct {
	key      []byte
	issuer   string
	audience string
	duration time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewService creates a Service from cfg.
//
// Precondition: cfg must have passed config validation. now may be nil, in which case time.Now is used.
func NewService(cfg config.IdentityConfig, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		key:      []byte(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		duration: cfg.TokenDuration,
		now:      now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
			jwt.WithTimeFunc(now),
		),
	}
}

// Issue creates a fresh identity for name and returns its signed token.
//
// Postcondition: every call yields a new, unique subject id.
func (s *Service) Issue(name string) (string, Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", Identity{}, fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", Identity{}, fmt.Errorf("%w: name must not exceed %d characters", ErrInvalidName, MaxNameLength)
	}

	id := Identity{
		ID:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name: name,
	}
	now := s.now()
	claims := &Claims{
		Name: id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", Identity{}, fmt.Errorf("signing token: %w", err)
	}
	return token, id, nil
}

// Verify validates the signature, issuer, audience and expiry of token.
//
// Postcondition: on error the returned Identity is zero, except when the
// signature checked out and only a claim (expiry, issuer, audience) failed;
// then it carries the token's subject so the caller can revoke that identity.
func (s *Service) Verify(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		// jwt/v5 reports claim failures only after the signature verified.
		if errors.Is(err, jwt.ErrTokenInvalidClaims) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Identity{ID: claims.Subject, Name: claims.Name}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{ID: claims.Subject, Name: claims.Name}, nil
}
