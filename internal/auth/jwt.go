package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/courier/internal/config"
)

var (
	// ErrNoCredential is returned when the handshake carried no token at all.
	ErrNoCredential = errors.New("no credential")
	// ErrInvalidToken wraps every signature, expiry or claim failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the token claims the relay reads. The user id is taken from
// "sub", falling back to "user_id"; "sid" names the device.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	DeviceID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Identity is an authenticated connection owner.
type Identity struct {
	UserID   string
	DeviceID string
}

// Validator checks relay access tokens signed with HS256 or RS256.
type Validator struct {
	method jwt.SigningMethod
	key    any
}

// NewValidator builds a validator from the jwt section of the relay config.
func NewValidator(cfg config.JWTCfg) (*Validator, error) {
	switch strings.ToUpper(cfg.Alg) {
	case "HS256":
		if cfg.HSSecret == "" {
			return nil, errors.New("hs256 secret is empty")
		}
		return &Validator{method: jwt.SigningMethodHS256, key: []byte(cfg.HSSecret)}, nil
	case "RS256":
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		return NewRS256Validator(key), nil
	}
	return nil, fmt.Errorf("unsupported alg %q", cfg.Alg)
}

// NewRS256Validator builds a validator for tokens signed by key's private half.
func NewRS256Validator(key *rsa.PublicKey) *Validator {
	return &Validator{method: jwt.SigningMethodRS256, key: key}
}

// Validate verifies token and returns who it belongs to.
func (v *Validator) Validate(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoCredential
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{v.method.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	user := claims.Subject
	if user == "" {
		user = claims.UserID
	}
	if user == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return &Identity{UserID: user, DeviceID: claims.DeviceID}, nil
}

// IssueHS256 signs a token for user, valid for ttl. device may be empty.
func IssueHS256(secret, user, device string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID: device,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Credential picks the token out of a handshake: bearer header first, then
// the auth cookie, then the "token" query parameter.
func Credential(header, cookie, query string) (string, error) {
	if header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		return strings.TrimSpace(token), nil
	}
	if cookie != "" {
		return cookie, nil
	}
	if query != "" {
		return query, nil
	}
	return "", ErrNoCredential
}
