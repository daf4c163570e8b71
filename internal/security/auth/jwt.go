package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crowdaid/crowdaid/internal/domain"
	apperrors "github.com/crowdaid/crowdaid/pkg/errors"
)

type Claims struct {
	UserID string   `json:"user_id"`
	Name   string   `json:"name"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret string
	issuer string
}

func NewTokenManager(secret, issuer string) *TokenManager {
	if secret == "" {
		secret = "change-me-in-production"
	}
	if issuer == "" {
		issuer = "crowdaid"
	}
	return &TokenManager{secret: secret, issuer: issuer}
}

// GenerateToken mints a credential. Issuance belongs to the identity
// provider; this exists for local development and tests.
func (tm *TokenManager) GenerateToken(userID, name string, roles []domain.Role, expiresIn time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id required")
	}
	now := time.Now()
	roleNames := make([]string, len(roles))
	for i, r := range roles {
		roleNames[i] = string(r)
	}
	claims := Claims{
		UserID: userID,
		Name:   name,
		Roles:  roleNames,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			Issuer:    tm.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(tm.secret))
}

func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	}, jwt.WithIssuer(tm.issuer))
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Resolve implements domain.IdentityResolver. It accepts either a bare token
// or a full "Bearer <token>" header value.
func (tm *TokenManager) Resolve(_ context.Context, credential string) (domain.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return domain.Identity{}, apperrors.NewUnauthorizedError("missing credential")
	}
	if strings.Contains(credential, " ") {
		tok, err := ExtractToken(credential)
		if err != nil {
			return domain.Identity{}, apperrors.NewUnauthorizedError("invalid authorization header")
		}
		credential = tok
	}

	claims, err := tm.ValidateToken(credential)
	if err != nil {
		return domain.Identity{}, apperrors.NewUnauthorizedError("invalid token")
	}
	return claims.Identity(), nil
}

// Identity converts the claims to the caller they describe
func (c *Claims) Identity() domain.Identity {
	roles := make([]domain.Role, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, domain.Role(strings.ToLower(r)))
	}
	return domain.Identity{UserID: c.UserID, Name: c.Name, Roles: roles}
}

func ExtractToken(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return parts[1], nil
}
