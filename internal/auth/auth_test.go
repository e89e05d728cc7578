package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wuwenbin0122/oraltrainer/internal/auth"
)

func newService(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService("test-secret", time.Hour, auth.NewMemoryUserStore())
	if err != nil {
		t.Fatalf("unexpected error creating auth service: %v", err)
	}
	return svc
}

func TestAuthServiceRegisterAndLogin(t *testing.T) {
	svc := newService(t)

	registerResult, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: "alice",
		Password: "s3cret!",
	})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	if registerResult.Token == "" {
		t.Fatalf("expected token on registration")
	}

	if registerResult.User.Username != "alice" {
		t.Fatalf("expected username alice, got %s", registerResult.User.Username)
	}

	if registerResult.User.ID == "" {
		t.Fatalf("expected user id to be populated")
	}

	if registerResult.User.PasswordHash != "" {
		t.Fatalf("expected password hash to be stripped from result")
	}

	claims, err := svc.VerifyToken(registerResult.Token)
	if err != nil {
		t.Fatalf("verify token failed: %v", err)
	}

	if claims.Subject != "alice" {
		t.Fatalf("expected token subject alice, got %s", claims.Subject)
	}

	if _, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: "Alice",
		Password: "another!",
	}); !errors.Is(err, auth.ErrUserExists) {
		t.Fatalf("expected duplicate username error, got %v", err)
	}

	loginResult, err := svc.Login(context.Background(), auth.LoginInput{
		Username: "alice",
		Password: "s3cret!",
	})
	if err != nil {
		t.Fatalf("login returned error: %v", err)
	}

	if loginResult.Token == "" {
		t.Fatalf("expected token on login")
	}

	if _, err := svc.Login(context.Background(), auth.LoginInput{
		Username: "alice",
		Password: "wrong-password",
	}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials error, got %v", err)
	}

	if _, err := svc.Login(context.Background(), auth.LoginInput{
		Username: "bob",
		Password: "s3cret!",
	}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected unknown user to look like bad credentials, got %v", err)
	}
}

func TestAuthServiceRegisterValidation(t *testing.T) {
	svc := newService(t)

	cases := []struct {
		name  string
		input auth.RegisterInput
		want  error
	}{
		{"blank username", auth.RegisterInput{Username: "  ", Password: "s3cret!"}, auth.ErrUsernameRequired},
		{"short password", auth.RegisterInput{Username: "carol", Password: "abc"}, auth.ErrPasswordTooWeak},
		{"long username", auth.RegisterInput{Username: strings.Repeat("x", 51), Password: "s3cret!"}, auth.ErrUsernameTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(context.Background(), tc.input); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifyTokenRejectsBadTokens(t *testing.T) {
	svc := newService(t)

	sign := func(secret string, claims jwt.RegisteredClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return token
	}

	now := time.Now()
	cases := map[string]string{
		"expired": sign("test-secret", jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
		}),
		"wrong secret": sign("other-secret", jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}),
		"missing subject": sign("test-secret", jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}),
		"missing expiry": sign("test-secret", jwt.RegisteredClaims{
			Subject: "alice",
		}),
		"garbage": "not.a.token",
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.VerifyToken(token); !errors.Is(err, auth.ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestAuthenticateUnknownSubject(t *testing.T) {
	svc := newService(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ghost",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown subject, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t)

	result, err := svc.Register(context.Background(), auth.RegisterInput{Username: "dave", Password: "s3cret!"})
	if err != nil {
		t.Fatalf("register returned error: %v", err)
	}

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		user, ok := auth.UserFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, user.Username)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "dave" {
		t.Fatalf("expected 200 dave, got %d %q", rec.Code, rec.Body.String())
	}

	for _, header := range []string{"", "Bearer", "Basic abc", "Bearer nope"} {
		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
		if rec.Header().Get("WWW-Authenticate") != "Bearer" {
			t.Fatalf("header %q: expected WWW-Authenticate challenge", header)
		}
	}
}

func TestParseBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer  abc  ": "abc",
		"Token abc":     "",
		"Bearer":        "",
	}
	for header, want := range cases {
		if got := auth.ParseBearer(header); got != want {
			t.Fatalf("ParseBearer(%q) = %q, want %q", header, got, want)
		}
	}
}
