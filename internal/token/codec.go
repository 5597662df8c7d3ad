package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Codec turns a token row into the value handed to the client and recovers
// the token id from a presented value. The value itself is never stored.
type Codec interface {
	Encode(t Token) (string, error)
	Decode(value string) (id string, err error)
}

var errMalformed = errors.New("malformed token value")

// Opaque produces "<id>.<random secret>" values.
type Opaque struct{}

func (Opaque) Encode(t Token) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return t.ID + "." + base64.RawURLEncoding.EncodeToString(secret), nil
}

func (Opaque) Decode(value string) (string, error) {
	id, secret, ok := strings.Cut(value, ".")
	if !ok || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", errMalformed
	}
	return id, nil
}

// JWT produces HS256-signed values carrying the token id as jti. Only the
// signature and issuer are checked on decode: expiry, revocation and
// rotation are decided by the stored row so that every codec reports them
// the same way.
type JWT struct {
	secret []byte
	issuer string
}

type claims struct {
	Type    Type   `json:"typ"`
	Purpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

func NewJWT(secret []byte, issuer string) (*JWT, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt signing secret must be at least 32 bytes")
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = "authcore"
	}
	return &JWT{secret: secret, issuer: issuer}, nil
}

func (c *JWT) Encode(t Token) (string, error) {
	rc := jwt.RegisteredClaims{
		Issuer:   c.issuer,
		Subject:  t.UserID,
		ID:       t.ID,
		IssuedAt: jwt.NewNumericDate(t.IssuedAt),
	}
	if t.ExpiresAt != nil {
		rc.ExpiresAt = jwt.NewNumericDate(*t.ExpiresAt)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Type: t.Type, Purpose: t.Purpose, RegisteredClaims: rc})
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (c *JWT) Decode(value string) (string, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(value, &cl, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformed, err)
	}
	if cl.Issuer != c.issuer || cl.ID == "" {
		return "", errMalformed
	}
	return cl.ID, nil
}

// looksLikeJWT reports whether value has the three dot-separated segments
// of a compact JWS.
func looksLikeJWT(value string) bool {
	return strings.Count(value, ".") == 2
}
