package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"arbiter.gg/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// requireBearer verifies the access token and, when roles are given,
// requires every one of them.
func (a *API) requireBearer(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokens == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.tokens.Verify(r.Context(), token)
		if err != nil {
			if auth.IsStoreFailure(err) {
				a.logger.Error("token_verify_store_failure", zap.Error(err))
				writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			writeError(w, r, http.StatusUnauthorized, verifyErrorMessage(err))
			return
		}
		if !auth.HasRoles(claims.Roles, roles) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func verifyErrorMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "expired"
	case errors.Is(err, auth.ErrRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrSessionInvalid):
		return "session invalid"
	default:
		return "invalid"
	}
}
