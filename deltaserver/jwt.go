// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltaserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-deltasync/deltasync"
	"github.com/mobiletoly/go-deltasync/internal/auth"
)

// JWTAuth signs and verifies HS256 bearer tokens for the delta endpoints
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// JWTClaims identifies the signed-in user. Subject carries the user principal name.
type JWTClaims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for userID valid for expiration
func (j *JWTAuth) GenerateToken(userID, displayName string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-deltasync",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken verifies signature, expiry and subject of tokenString
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	if _, err := j.parser.ParseWithClaims(tokenString, claims, j.key); err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if sub, _ := claims.GetSubject(); sub == "" {
		return nil, fmt.Errorf("failed to validate token: %w", jwt.ErrTokenInvalidSubject)
	}
	return claims, nil
}

func (j *JWTAuth) key(*jwt.Token) (any, error) { return j.secret, nil }

// Middleware rejects requests without a valid bearer token and stores the caller
// in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := slog.Default()
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, logger, http.StatusUnauthorized, deltasync.CodeUnauthenticated, "Authorization header required")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(w, logger, http.StatusUnauthorized, deltasync.CodeUnauthenticated, "Invalid authorization header format")
			return
		}

		claims, err := j.ValidateToken(token)
		if err != nil {
			logger.Warn("Rejected bearer token", "error", err, "path", r.URL.Path)
			writeError(w, logger, http.StatusUnauthorized, deltasync.CodeUnauthenticated, "Invalid token")
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
