package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HS256Issuer is the issuer claim of development tokens.
const HS256Issuer = "coursechat-dev"

// Claims are the JWT claims understood by the verifiers.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HS256Verifier verifies tokens signed with a shared secret. It serves local
// development and tests where no external identity provider is available.
type HS256Verifier struct {
	secret []byte
}

// NewHS256Verifier creates a verifier for the given shared secret.
func NewHS256Verifier(secret string) (*HS256Verifier, error) {
	if secret == "" {
		return nil, errors.New("hs256 secret cannot be empty")
	}
	return &HS256Verifier{secret: []byte(secret)}, nil
}

// Verify validates signature, expiry and issuer and returns the subject as user ID.
func (v *HS256Verifier) Verify(_ context.Context, token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(HS256Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// IssueHS256 mints a development token for userID valid for ttl.
func IssueHS256(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    HS256Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
