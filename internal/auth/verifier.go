// Package auth verifies credential tokens issued by the external token service.
package auth

import (
	"errors"
	"strconv"

	"github.com/manjit4241/chatty/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates a credential token and resolves the user identity it
// carries. Token issuance lives outside this service; we only verify.
type Verifier interface {
	Verify(token string) (uint, error)
}

// JWTVerifier verifies HMAC-signed JWTs against a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a verifier for the given shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the user ID from the
// "sub" claim. Invalid or expired tokens return an AUTH_FAILURE AppError.
func (v *JWTVerifier) Verify(tokenString string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, models.NewAuthFailureError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, models.NewAuthFailureError(errors.New("invalid token claims"))
	}

	subClaim, ok := claims["sub"]
	if !ok {
		return 0, models.NewAuthFailureError(errors.New("missing subject claim"))
	}

	subStr, ok := subClaim.(string)
	if !ok {
		return 0, models.NewAuthFailureError(errors.New("invalid token subject type"))
	}

	userID, err := strconv.ParseUint(subStr, 10, 32)
	if err != nil {
		return 0, models.NewAuthFailureError(err)
	}

	return uint(userID), nil
}
