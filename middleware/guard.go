package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/MrEthical07/credledger"
)

// Authenticator resolves a bearer access token. *credledger.Service
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*credledger.Claims, error)
}

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by a guard.
func ClaimsFromContext(ctx context.Context) (*credledger.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*credledger.Claims)
	return claims, ok
}

// Guard rejects requests whose Authorization header does not carry a valid
// bearer access token with 401.
func Guard(auth Authenticator) func(http.Handler) http.Handler {
	return guard(auth, nil)
}

// RequireRole behaves like Guard and additionally answers 403 unless the
// token carries at least one of roles.
func RequireRole(auth Authenticator, roles ...string) func(http.Handler) http.Handler {
	return guard(auth, func(claims *credledger.Claims) bool {
		for _, role := range roles {
			if slices.Contains(claims.Roles, role) {
				return true
			}
		}
		return false
	})
}

func guard(auth Authenticator, allow func(*credledger.Claims) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if allow != nil && !allow(claims) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
