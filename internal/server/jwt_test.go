package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func authedRequest(t *testing.T, token string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestWithAuthValidToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c, _ := authedRequest(t, token)
	handler := withAuth(func(c echo.Context) error {
		if userID(c) != "user-42" {
			t.Fatalf("user_id = %q", userID(c))
		}
		return c.NoContent(http.StatusOK)
	}, secret)

	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
}

func TestWithAuthMissingToken(t *testing.T) {
	c, _ := authedRequest(t, "")
	handler := withAuth(func(c echo.Context) error { return nil }, []byte("s"))

	err := handler(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestWithAuthWrongSecret(t *testing.T) {
	token, err := SignJWT("user-42", []byte("secret-a"), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c, _ := authedRequest(t, token)
	handler := withAuth(func(c echo.Context) error { return nil }, []byte("secret-b"))

	err = handler(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestWithAuthExpiredToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignJWT("user-42", secret, -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c, _ := authedRequest(t, token)
	handler := withAuth(func(c echo.Context) error { return nil }, secret)

	err = handler(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %v", err)
	}
}

func TestWithAuthCookieFallback(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignJWT("user-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := withAuth(func(c echo.Context) error {
		if userID(c) != "user-42" {
			t.Fatalf("user_id = %q", userID(c))
		}
		return c.NoContent(http.StatusOK)
	}, secret)

	if err := handler(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
}
