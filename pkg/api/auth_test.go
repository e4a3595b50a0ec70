package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contextgraph/pkg/personal"
	"github.com/malbeclabs/contextgraph/pkg/store/storetest"
)

var (
	testSecret   = []byte("test-signing-secret")
	testIssuer   = "https://idp.example.com"
	testAudience = "contextgraph"
)

func jwtServer(t *testing.T, f *fixture) *Server {
	t.Helper()
	s, err := New(Config{
		Logger: storetest.Logger(),
		Clock:  clockwork.NewFakeClockAt(testNow),
		Auth: AuthConfig{
			Mode:     AuthModeJWT,
			Secret:   testSecret,
			Issuer:   testIssuer,
			Audience: testAudience,
			Leeway:   time.Minute,
		},
		DB:         f.db,
		Registry:   &mockRegistry{tools: map[string]bool{"slack": true}},
		Connectors: f.connectors,
		Personal:   f.personal,
		Analytics:  f.analytics,
		Suggest:    f.suggest,
	})
	require.NoError(t, err)
	return s
}

func validClaims() tokenClaims {
	return tokenClaims{
		Role:   "Analyst",
		Groups: []string{"eng"},
		Email:  "dana@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "person_9",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func getTimeline(t *testing.T, s *Server, authorization string) (int, string) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/personal/timeline", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	r.Header.Set(HeaderPersonID, "someone_else")
	r.Header.Set(HeaderRole, "admin")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, r)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	if e, ok := body["error"].(map[string]any); ok {
		return rec.Code, e["message"].(string)
	}
	return rec.Code, ""
}

func TestAPI_AuthConfig(t *testing.T) {
	t.Parallel()

	cfg := AuthConfig{}
	require.NoError(t, cfg.Validate())
	require.Equal(t, AuthModeHeader, cfg.Mode)

	cfg = AuthConfig{Mode: AuthModeJWT, Issuer: testIssuer, Audience: testAudience}
	require.EqualError(t, cfg.Validate(), "auth secret is required in jwt mode")

	cfg = AuthConfig{Mode: "basic"}
	require.EqualError(t, cfg.Validate(), `unknown auth mode "basic"`)
}

func TestAPI_BearerAuth(t *testing.T) {
	t.Parallel()

	newServer := func(t *testing.T) (*Server, *[]string) {
		f := newFixture()
		var principals []string
		f.personal.BuildTimelineFunc = func(_ context.Context, personID string, principalIDs []string) (int, error) {
			principals = append([]string{personID}, principalIDs...)
			return 0, nil
		}
		f.personal.TimelineFunc = func(context.Context, string, time.Time, time.Time) ([]personal.TimelineItem, error) {
			return nil, nil
		}
		return jwtServer(t, f), &principals
	}

	t.Run("valid token identifies the caller from its claims", func(t *testing.T) {
		t.Parallel()
		s, got := newServer(t)
		code, msg := getTimeline(t, s, "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, validClaims()))
		require.Equal(t, http.StatusOK, code, msg)
		require.Equal(t, []string{"person_9", "group:analyst", "group:eng", "person_9"}, *got)
	})

	t.Run("expiry within leeway is accepted", func(t *testing.T) {
		t.Parallel()
		s, _ := newServer(t)
		claims := validClaims()
		claims.ExpiresAt = jwt.NewNumericDate(testNow.Add(-30 * time.Second))
		code, msg := getTimeline(t, s, "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, claims))
		require.Equal(t, http.StatusOK, code, msg)
	})

	t.Run("headers alone are not trusted", func(t *testing.T) {
		t.Parallel()
		s, got := newServer(t)
		code, msg := getTimeline(t, s, "")
		require.Equal(t, http.StatusUnauthorized, code)
		require.Equal(t, "Missing bearer token.", msg)
		require.Nil(t, *got)
	})

	t.Run("non-bearer scheme is rejected", func(t *testing.T) {
		t.Parallel()
		s, _ := newServer(t)
		code, msg := getTimeline(t, s, "Basic dXNlcjpwYXNz")
		require.Equal(t, http.StatusUnauthorized, code)
		require.Equal(t, "Missing bearer token.", msg)
	})

	t.Run("missing subject", func(t *testing.T) {
		t.Parallel()
		s, _ := newServer(t)
		claims := validClaims()
		claims.Subject = ""
		code, msg := getTimeline(t, s, "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, claims))
		require.Equal(t, http.StatusUnauthorized, code)
		require.Equal(t, "Invalid subject.", msg)
	})

	invalid := []struct {
		name   string
		method jwt.SigningMethod
		key    any
		mutate func(*tokenClaims)
	}{
		{name: "wrong secret", method: jwt.SigningMethodHS256, key: []byte("other-secret")},
		{name: "wrong algorithm", method: jwt.SigningMethodHS512, key: testSecret},
		{name: "wrong issuer", method: jwt.SigningMethodHS256, key: testSecret, mutate: func(c *tokenClaims) { c.Issuer = "https://evil.example.com" }},
		{name: "wrong audience", method: jwt.SigningMethodHS256, key: testSecret, mutate: func(c *tokenClaims) { c.Audience = jwt.ClaimStrings{"other"} }},
		{name: "expired beyond leeway", method: jwt.SigningMethodHS256, key: testSecret, mutate: func(c *tokenClaims) {
			c.ExpiresAt = jwt.NewNumericDate(testNow.Add(-2 * time.Minute))
		}},
		{name: "no expiry", method: jwt.SigningMethodHS256, key: testSecret, mutate: func(c *tokenClaims) { c.ExpiresAt = nil }},
		{name: "unsigned", method: jwt.SigningMethodNone, key: jwt.UnsafeAllowNoneSignatureType},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, got := newServer(t)
			claims := validClaims()
			if tt.mutate != nil {
				tt.mutate(&claims)
			}
			code, msg := getTimeline(t, s, "Bearer "+sign(t, tt.method, tt.key, claims))
			require.Equal(t, http.StatusUnauthorized, code)
			require.Equal(t, "Invalid token.", msg)
			require.Nil(t, *got)
		})
	}

	t.Run("role claim gates analytics", func(t *testing.T) {
		t.Parallel()
		s, _ := newServer(t)
		claims := validClaims()
		claims.Role = ""
		r := httptest.NewRequest(http.MethodGet, "/api/v1/analytics/processes", nil)
		r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, testSecret, claims))
		r.Header.Set(HeaderRole, "admin")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, r)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}
