// Package auth issues and verifies the bearer tokens that identify callers.
// Accounts and profiles live with the identity provider; this package only
// trusts tokens signed with the shared secret.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or forged token.
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrEmptySecret  = errors.New("auth: empty signing secret")
)

// Kind is the account type the identity provider assigned. It does not grant
// anything on a deal; deal roles are resolved per deal.
type Kind string

const (
	KindInvestor Kind = "investor"
	KindAgent    Kind = "agent"
)

// Identity is the verified caller.
type Identity struct {
	UserID string
	Kind   Kind
}

type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewService(jwtSecret string, ttl time.Duration) (*Service, error) {
	if strings.TrimSpace(jwtSecret) == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{jwtSecret: []byte(jwtSecret), ttl: ttl, now: time.Now}, nil
}

// IssueToken signs a token for userID.
func (s *Service) IssueToken(userID string, kind Kind) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id required")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"kind":    string(kind),
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the caller it names.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	kind, _ := claims["kind"].(string)
	return Identity{UserID: userID, Kind: Kind(kind)}, nil
}

// BearerToken extracts the token of an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
