package webhook

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minSigningKeyBytes = 32

var (
	// ErrUnauthenticated indicates a callback without a valid signature.
	ErrUnauthenticated = errors.New("callback is not authenticated")
)

// VerifierConfig defines how callback tokens are verified.
type VerifierConfig struct {
	Key      []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// callbackClaims binds a token to the exact request body it signs.
type callbackClaims struct {
	jwt.RegisteredClaims
	BodySHA256 string `json:"body_sha256"`
}

// Verifier checks HS256 bearer tokens on provider callbacks.
type Verifier struct {
	cfg VerifierConfig
}

// NewVerifier validates cfg. Issuer is optional; audience is required.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if len(cfg.Key) < minSigningKeyBytes {
		return nil, fmt.Errorf("webhook signing key must be at least %d bytes", minSigningKeyBytes)
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Audience == "" {
		return nil, errors.New("webhook audience is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify checks the token's signature, audience, issuer, expiry and body hash.
func (v *Verifier) Verify(token string, body []byte) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrUnauthenticated)
	}

	var parsed callbackClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return mapJWTError(err)
	}

	if v.cfg.Issuer != "" && parsed.Issuer != v.cfg.Issuer {
		return fmt.Errorf("%w: issuer mismatch", ErrUnauthenticated)
	}
	if !audienceContains(parsed.Audience, v.cfg.Audience) {
		return fmt.Errorf("%w: audience mismatch", ErrUnauthenticated)
	}
	if parsed.ExpiresAt == nil {
		return fmt.Errorf("%w: exp is required", ErrUnauthenticated)
	}
	now := v.cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.After(now) {
		return fmt.Errorf("%w: token is expired", ErrUnauthenticated)
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time) {
		return fmt.Errorf("%w: token not active yet", ErrUnauthenticated)
	}

	sum := sha256.Sum256(body)
	want := hex.EncodeToString(sum[:])
	got := strings.ToLower(strings.TrimSpace(parsed.BodySHA256))
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: body hash mismatch", ErrUnauthenticated)
	}
	return nil
}

// Sign issues a callback token for body. Providers and tests use it to build
// the Authorization header.
func Sign(key []byte, issuer, audience string, body []byte, now time.Time, ttl time.Duration) (string, error) {
	sum := sha256.Sum256(body)
	claims := callbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		BodySHA256: hex.EncodeToString(sum[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func audienceContains(audience jwt.ClaimStrings, want string) bool {
	for _, value := range audience {
		if value == want {
			return true
		}
	}
	return false
}

// mapJWTError translates jwt library errors to ErrUnauthenticated.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: signature is invalid", ErrUnauthenticated)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: alg is invalid", ErrUnauthenticated)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: token is malformed", ErrUnauthenticated)
	}
	return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
}
