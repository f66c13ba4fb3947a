// Package auth issues and verifies the signed tokens embedded in signing links.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LinkClaims identifies one recipient's signing session. A signing link is
// the only credential a recipient ever holds.
type LinkClaims struct {
	SessionID      string `json:"sid"`
	RecipientEmail string `json:"eml"`
	RecipientIndex int    `json:"idx"`
	Exp            int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueLinkToken(secret []byte, claims LinkClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := sign(secret, payload)
	return payload + "." + signature, nil
}

func ParseLinkToken(secret []byte, token string) (LinkClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return LinkClaims{}, ErrInvalidToken
	}
	payload := parts[0]
	signature := parts[1]

	expected := sign(secret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return LinkClaims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return LinkClaims{}, ErrInvalidToken
	}

	var claims LinkClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return LinkClaims{}, ErrInvalidToken
	}
	if claims.SessionID == "" || claims.RecipientEmail == "" || claims.Exp == 0 {
		return LinkClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return LinkClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
