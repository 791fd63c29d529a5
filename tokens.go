package zyneth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiryAccess is the default access token lifetime.
const TokenExpiryAccess = 30 * 24 * time.Hour

// TokenClaims is the decoded payload of a valid access token.
type TokenClaims struct {
	AccountID string
	Email     string
	Role      Role
}

// TokenIssuer mints and validates stateless HMAC-signed access tokens.
// Tokens are not tracked server-side; logout is a client concern.
type TokenIssuer struct {
	SecretKey string
	Issuer    string

	// Expiry defaults to TokenExpiryAccess when zero.
	Expiry time.Duration
}

// Issue signs an access token for the account. Returns the token and its
// lifetime in seconds.
func (t *TokenIssuer) Issue(account *Account) (string, int64, error) {
	expiry := t.Expiry
	if expiry == 0 {
		expiry = TokenExpiryAccess
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   account.ID,
		"email": account.Email,
		"role":  string(account.Role),
		"type":  "access",
		"iat":   now.Unix(),
		"exp":   now.Add(expiry).Unix(),
	}
	if t.Issuer != "" {
		claims["iss"] = t.Issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(t.SecretKey))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, int64(expiry.Seconds()), nil
}

// Validate parses and verifies a token string, returning its claims.
func (t *TokenIssuer) Validate(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(t.SecretKey), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	if typ, ok := claims["type"].(string); !ok || typ != "access" {
		return nil, fmt.Errorf("invalid token type")
	}
	if t.Issuer != "" {
		if iss, ok := claims["iss"].(string); !ok || iss != t.Issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing subject")
	}

	out := &TokenClaims{AccountID: sub}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		out.Role = Role(role)
	}
	return out, nil
}
