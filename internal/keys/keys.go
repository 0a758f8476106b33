// Package keys signs and verifies the token that binds a customer id to an
// email address between signup steps.
//
// Tokens are HS256 JWTs. The first configured key signs; every configured key
// verifies, so a key can be rotated by prepending the new one and dropping the
// old one once outstanding tokens have expired.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"signup-site-go/internal/config"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid customer token")

const issuer = "signup-site"

// Claims identifies the customer a signup step was started for.
type Claims struct {
	CustomerID string `json:"cid"`
	Email      string `json:"email"`
	jwtlib.RegisteredClaims
}

// Signer issues and checks customer tokens.
type Signer struct {
	keys map[string][]byte // kid -> secret
	kid  string            // signing key id
	ttl  time.Duration
	now  func() time.Time
}

// NewSigner creates a Signer from the site keys.
func NewSigner(cfg *config.Config) (*Signer, error) {
	if len(cfg.Site.Keys) == 0 {
		return nil, errors.New("site.keys: at least one key is required")
	}

	s := &Signer{
		keys: make(map[string][]byte, len(cfg.Site.Keys)),
		ttl:  cfg.Site.TokenTTL(),
		now:  time.Now,
	}
	for i, k := range cfg.Site.Keys {
		kid := keyID(k)
		if i == 0 {
			s.kid = kid
		}
		s.keys[kid] = []byte(k)
	}
	return s, nil
}

// keyID fingerprints a secret so tokens can name their key without revealing it.
func keyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

// Sign returns a token for the customer.
func (s *Signer) Sign(customerID, email string) (string, error) {
	now := s.now()
	claims := Claims{
		CustomerID: customerID,
		Email:      email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.keys[s.kid])
	if err != nil {
		return "", fmt.Errorf("sign customer token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature, issuer and expiry and returns its claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := s.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return key, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.CustomerID == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: missing customer claims", ErrInvalidToken)
	}
	return claims, nil
}
