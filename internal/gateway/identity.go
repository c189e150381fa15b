package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/compresr/ai-bridge/internal/apierr"
	"github.com/compresr/ai-bridge/internal/config"
	"github.com/compresr/ai-bridge/internal/task"
)

// identityResolver turns request credentials into a caller identity.
type identityResolver func(r *http.Request) (task.Identity, error)

func newIdentityResolver(cfg config.AuthConfig) identityResolver {
	switch cfg.Mode {
	case config.AuthModeNone:
		anon := task.Identity{CallerID: cfg.AnonymousUser}
		return func(*http.Request) (task.Identity, error) { return anon, nil }
	case config.AuthModeJWT:
		return jwtIdentity(cfg)
	default:
		return headerIdentity(cfg)
	}
}

// headerIdentity trusts headers set by an upstream auth proxy.
func headerIdentity(cfg config.AuthConfig) identityResolver {
	return func(r *http.Request) (task.Identity, error) {
		caller := strings.TrimSpace(r.Header.Get(cfg.CallerHeader))
		if caller == "" {
			return task.Identity{}, apierr.New(apierr.CodeAuthRequired, "missing %s header", cfg.CallerHeader)
		}
		return task.Identity{CallerID: caller, Role: strings.TrimSpace(r.Header.Get(cfg.RoleHeader))}, nil
	}
}

// jwtIdentity verifies an HS256 bearer token. "sub" is the caller id and
// "role" the optional role.
func jwtIdentity(cfg config.AuthConfig) identityResolver {
	secret := []byte(cfg.JWTSecret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	parser := jwt.NewParser(opts...)

	return func(r *http.Request) (task.Identity, error) {
		raw, ok := bearerToken(r)
		if !ok {
			return task.Identity{}, apierr.New(apierr.CodeAuthRequired, "missing bearer token")
		}
		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return task.Identity{}, apierr.New(apierr.CodeAuthRequired, "token expired")
			}
			return task.Identity{}, apierr.Wrap(apierr.CodeAuthRequired, err, "invalid token")
		}
		sub, _ := claims.GetSubject()
		if sub == "" {
			return task.Identity{}, apierr.New(apierr.CodeAuthRequired, "token has no subject")
		}
		role, _ := claims["role"].(string)
		return task.Identity{CallerID: sub, Role: role}, nil
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// identity middleware fails closed: no identity, no bridge call.
func (g *Gateway) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.resolveIdentity(r)
		if err != nil {
			g.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
