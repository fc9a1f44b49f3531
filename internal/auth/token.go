// Package auth implements the token-based admission handshake (C7): the
// bearer token an agent presents when opening a control channel, and the
// edge-side issuance endpoint used to mint one.
package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// verifyClaimName is the JWT claim the edge checks against its own
// VERIFY_TOKEN configuration. Its value carries no meaning beyond
// matching; it exists so a token signed by the wrong SECRET_KEY, or one
// that predates a VERIFY_TOKEN rotation, is rejected even if some other
// process still holds the old signing key.
const verifyClaimName = "wtv"

// tunnelClaims is the payload of a control-channel bearer token.
type tunnelClaims struct {
	Verify string `json:"wtv"`
	jwt.RegisteredClaims
}

// wireError is a plain string error, used for the messages that travel
// back to the peer verbatim (e.g. over the control channel close reason).
type wireError string

func (e wireError) Error() string { return string(e) }

// ErrAuthentication is returned by Verify for any failure — bad
// signature, wrong algorithm, expired token, or a verify-claim mismatch.
// The edge reports it to the rejected agent as exactly this text.
const ErrAuthentication = wireError("Authentication error")

// Issue signs a fresh bearer token. secretKey is the edge's SECRET_KEY;
// verifyToken is its VERIFY_TOKEN; subject identifies the issuing
// principal for audit purposes only (not checked on verify).
func Issue(secretKey, verifyToken, subject string, ttl time.Duration) (string, error) {
	if secretKey == "" {
		return "", fmt.Errorf("auth: secret key is not configured")
	}
	now := time.Now()
	claims := tunnelClaims{
		Verify: verifyToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secretKey))
}

// Verify checks tokenString's signature against secretKey and its
// verify claim against verifyToken. It rejects tokens signed with any
// non-HMAC algorithm, since accepting "none" or an
// asymmetric algorithm chosen by the token itself would let a holder of
// the public verification material forge admission.
func Verify(tokenString, secretKey, verifyToken string) error {
	if secretKey == "" {
		return ErrAuthentication
	}

	claims := &tunnelClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return ErrAuthentication
	}

	if subtle.ConstantTimeCompare([]byte(claims.Verify), []byte(verifyToken)) != 1 {
		return ErrAuthentication
	}
	return nil
}
