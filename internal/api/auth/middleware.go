// Package auth validates bearer tokens on API requests and exposes the
// authenticated user to handlers. Session internals stay out of scope: the
// signed token itself is the session.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/relaychat/internal/chaterr"
	"github.com/relaychat/internal/entitlements"
	"github.com/relaychat/internal/turn"
)

// ContextKey represents keys for context values
type ContextKey string

const (
	// UserContextKey is where the authenticated user is stored on the
	// echo context.
	UserContextKey ContextKey = "user"
)

// JWTClaims are the token claims relaychat understands.
type JWTClaims struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	jwt.RegisteredClaims
}

// RequireAuth creates authentication middleware validating HMAC-signed
// bearer tokens with the given secret.
func RequireAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return unauthorized(c)
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return unauthorized(c)
			}

			user, err := ValidateToken(tokenParts[1], secret)
			if err != nil {
				return unauthorized(c)
			}

			c.Set(string(UserContextKey), user)
			return next(c)
		}
	}
}

// ValidateToken parses and verifies a token, returning the embedded user.
func ValidateToken(tokenString, secret string) (turn.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		if err == nil {
			err = fmt.Errorf("invalid token")
		}
		return turn.User{}, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || claims.UserID == "" {
		return turn.User{}, fmt.Errorf("invalid token claims")
	}

	userType := entitlements.UserType(claims.UserType)
	if userType == "" {
		userType = entitlements.UserTypeGuest
	}

	return turn.User{ID: claims.UserID, Type: userType}, nil
}

// CurrentUser returns the authenticated user set by RequireAuth.
func CurrentUser(c echo.Context) (turn.User, bool) {
	user, ok := c.Get(string(UserContextKey)).(turn.User)
	return user, ok
}

func unauthorized(c echo.Context) error {
	e := chaterr.New(chaterr.TypeUnauthorized, chaterr.SurfaceChat)
	return c.JSON(e.HTTPStatus(), e.ToResponse())
}
