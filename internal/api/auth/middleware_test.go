package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/internal/entitlements"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims JWTClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func runAuth(t *testing.T, authHeader string) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := RequireAuth(testSecret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))

	return rec, c
}

func TestRequireAuthValidToken(t *testing.T) {
	token := signToken(t, JWTClaims{UserID: "u1", UserType: "regular"}, testSecret)

	rec, c := runAuth(t, "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	user, ok := CurrentUser(c)
	require.True(t, ok)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, entitlements.UserTypeRegular, user.Type)
}

func TestRequireAuthMissingHeader(t *testing.T) {
	rec, _ := runAuth(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized:chat")
}

func TestRequireAuthMalformedHeader(t *testing.T) {
	rec, _ := runAuth(t, "Basic abc123")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthWrongSecret(t *testing.T) {
	token := signToken(t, JWTClaims{UserID: "u1"}, "other-secret")
	rec, _ := runAuth(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthExpiredToken(t *testing.T) {
	token := signToken(t, JWTClaims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSecret)

	rec, _ := runAuth(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidateTokenDefaultsToGuest(t *testing.T) {
	token := signToken(t, JWTClaims{UserID: "u1"}, testSecret)

	user, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, entitlements.UserTypeGuest, user.Type)
}

func TestValidateTokenRejectsEmptyUserID(t *testing.T) {
	token := signToken(t, JWTClaims{}, testSecret)

	_, err := ValidateToken(token, testSecret)
	assert.Error(t, err)
}
