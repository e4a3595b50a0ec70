package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/malbeclabs/contextgraph/pkg/errs"
	"github.com/malbeclabs/contextgraph/pkg/metrics"
)

const (
	HeaderPersonID = "X-Person-ID"
	HeaderRole     = "X-Role"
	HeaderGroups   = "X-Groups"

	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"

	RoleUser    = "user"
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
)

var analyticsRoles = []string{RoleAnalyst, RoleAdmin}

// AuthConfig selects how callers are identified. In header mode the X-Person-ID, X-Role
// and X-Groups headers set by a trusted proxy are used as is. In jwt mode every request
// carries an HS256 bearer token whose issuer, audience and expiry are verified.
type AuthConfig struct {
	Mode     string
	Secret   []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (cfg *AuthConfig) Validate() error {
	switch cfg.Mode {
	case "", AuthModeHeader:
		cfg.Mode = AuthModeHeader
	case AuthModeJWT:
		if len(cfg.Secret) == 0 {
			return errors.New("auth secret is required in jwt mode")
		}
		if cfg.Issuer == "" {
			return errors.New("auth issuer is required in jwt mode")
		}
		if cfg.Audience == "" {
			return errors.New("auth audience is required in jwt mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	return nil
}

// tokenClaims are the claims read from a bearer token. Role defaults to user.
type tokenClaims struct {
	Role   string   `json:"role,omitempty"`
	Groups []string `json:"groups,omitempty"`
	Email  string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AuthContext is the caller identity taken from a verified token or trusted upstream headers.
type AuthContext struct {
	PersonID     string
	Role         string
	Email        string
	PrincipalIDs []string
}

type authContextKey struct{}

// NewAuthContext builds the caller's principal set: the person, one group principal per
// group, and the group principal of the role, sorted and deduplicated.
func NewAuthContext(personID, role string, groups []string) (AuthContext, error) {
	personID = strings.TrimSpace(personID)
	if personID == "" {
		return AuthContext{}, errs.Auth("Missing "+HeaderPersonID+" header.", "")
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RoleUser
	}
	principals := []string{personID, "group:" + role}
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			principals = append(principals, "group:"+g)
		}
	}
	sort.Strings(principals)
	return AuthContext{PersonID: personID, Role: role, PrincipalIDs: slices.Compact(principals)}, nil
}

func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			auth AuthContext
			err  error
		)
		if s.cfg.Auth.Mode == AuthModeJWT {
			auth, err = s.verifyBearer(r)
		} else {
			auth, err = NewAuthContext(r.Header.Get(HeaderPersonID), r.Header.Get(HeaderRole), strings.Split(r.Header.Get(HeaderGroups), ","))
		}
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			s.writeServiceError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey{}, auth)))
	})
}

func (s *Server) verifyBearer(r *http.Request) (AuthContext, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return AuthContext{}, errs.Auth("Missing bearer token.", requestID(r))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Auth.Issuer),
		jwt.WithAudience(s.cfg.Auth.Audience),
		jwt.WithLeeway(s.cfg.Auth.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.cfg.Clock.Now),
	)
	var claims tokenClaims
	if _, err := parser.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return s.cfg.Auth.Secret, nil
	}); err != nil {
		s.log.Debug("api: rejected bearer token", "request_id", requestID(r), "error", err)
		return AuthContext{}, errs.Auth("Invalid token.", requestID(r))
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AuthContext{}, errs.Auth("Invalid subject.", requestID(r))
	}
	auth, err := NewAuthContext(claims.Subject, claims.Role, claims.Groups)
	if err != nil {
		return AuthContext{}, err
	}
	auth.Email = claims.Email
	return auth, nil
}

func requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, ok := AuthFromContext(r.Context())
			if !ok || !slices.Contains(roles, auth.Role) {
				metrics.AuthFailuresTotal.Inc()
				writeError(w, r, http.StatusForbidden, "Not authorized.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
