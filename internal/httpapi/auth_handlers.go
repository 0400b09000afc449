package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/auth"
	"arbiter.gg/internal/opt"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
	UserType string `json:"userType"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	DeviceID     string `json:"deviceId"`
}

type validateRequest struct {
	Token         string   `json:"token"`
	RequiredRoles []string `json:"requiredRoles"`
}

type tokenResponse struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	ExpiresIn    int64             `json:"expiresIn"`
	TokenType    string            `json:"tokenType"`
	Roles        []string          `json:"roles"`
	AllianceID   opt.Value[string] `json:"allianceId,omitzero"`
}

type validateResponse struct {
	Valid      bool              `json:"valid"`
	UserID     string            `json:"userId,omitempty"`
	PlayerID   opt.Value[string] `json:"playerId,omitzero"`
	AllianceID opt.Value[string] `json:"allianceId,omitzero"`
	Roles      []string          `json:"roles,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type familyTokenView struct {
	TokenID         string               `json:"tokenId"`
	PreviousTokenID opt.Value[string]    `json:"previousTokenId,omitzero"`
	ReplacedBy      opt.Value[string]    `json:"replacedBy,omitzero"`
	CreatedAt       time.Time            `json:"createdAt"`
	ExpiresAt       time.Time            `json:"expiresAt"`
	Used            bool                 `json:"used"`
	UsedAt          opt.Value[time.Time] `json:"usedAt,omitzero"`
	Revoked         bool                 `json:"revoked"`
	RevokedReason   opt.Value[string]    `json:"revokedReason,omitzero"`
}

type familyResponse struct {
	Family string            `json:"tokenFamily"`
	UserID string            `json:"userId"`
	Tokens []familyTokenView `json:"tokens"`
	Live   opt.Value[string] `json:"liveTokenId,omitzero"`
}

const familyViolation = "security violation (family revoked)"

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, r, http.StatusBadRequest, "deviceId is required")
		return
	}
	userType := auth.UserTypePlayer
	if req.UserType != "" {
		ut, ok := auth.ParseUserType(req.UserType)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "userType must be player or admin")
			return
		}
		userType = ut
	}

	if a.limiter != nil {
		key := "login:" + strings.ToLower(username) + ":" + clientIP(r)
		res := a.limiter.CheckAndIncrement(r.Context(), key, a.loginWindow, a.loginLimit)
		if !res.Allowed {
			writeRateLimited(w, r, res.RetryAfter)
			return
		}
	}

	pair, err := a.tokens.Login(r.Context(), username, req.Password, req.DeviceID, userType)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			a.record(r.Context(), "auth.login.failed", map[string]any{"username": username, "ip": clientIP(r)})
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, err.Error())
		default:
			a.logger.Error("login_failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
		}
		return
	}

	a.record(r.Context(), "auth.login", map[string]any{
		"user_id":   pair.UserID,
		"user_type": string(pair.UserType),
		"device_id": req.DeviceID,
		"family":    pair.TokenFamily,
	})
	writeJSON(w, http.StatusOK, a.tokenResponse(pair))
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" || strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, r, http.StatusBadRequest, "refreshToken and deviceId are required")
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), auth.RefreshRequest{
		Token:         req.RefreshToken,
		DeviceID:      req.DeviceID,
		SourceAddress: clientIP(r),
	})
	if err != nil {
		if retry, ok := auth.RetryAfter(err); ok {
			writeRateLimited(w, r, retry)
			return
		}
		switch {
		case auth.IsTerminal(err):
			writeError(w, r, http.StatusUnauthorized, familyViolation)
		case errors.Is(err, auth.ErrExpired):
			writeError(w, r, http.StatusUnauthorized, "expired")
		case auth.IsStoreFailure(err), errors.Is(err, auth.ErrIdentityLookupFailed):
			a.logger.Error("refresh_unavailable", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
		default:
			writeError(w, r, http.StatusUnauthorized, "invalid")
		}
		return
	}
	writeJSON(w, http.StatusOK, a.tokenResponse(pair))
}

func (a *API) handleAuthValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, r, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := a.tokens.Verify(r.Context(), req.Token)
	if err != nil {
		if auth.IsStoreFailure(err) {
			a.logger.Error("validate_unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, validateResponse{Error: "token service unavailable"})
			return
		}
		writeJSON(w, http.StatusUnauthorized, validateResponse{Error: verifyErrorMessage(err)})
		return
	}
	if !auth.HasRoles(claims.Roles, req.RequiredRoles) {
		writeJSON(w, http.StatusForbidden, validateResponse{Error: "insufficient roles"})
		return
	}

	resp := validateResponse{
		Valid:      true,
		UserID:     claims.Subject,
		AllianceID: claims.AllianceID,
		Roles:      claims.Roles,
	}
	if claims.UserType == auth.UserTypePlayer {
		resp.PlayerID = opt.Some(claims.Subject)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.tokens.Logout(r.Context(), token); err != nil {
		if auth.IsStoreFailure(err) {
			a.logger.Error("logout_failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
			return
		}
		writeError(w, r, http.StatusUnauthorized, verifyErrorMessage(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFamily serves GET /v1/auth/families/{family} and
// DELETE /v1/auth/families/{family}.
func (a *API) handleFamily(w http.ResponseWriter, r *http.Request) {
	family := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/auth/families/"), "/")
	if family == "" || strings.Contains(family, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		chain, tip, err := a.tokens.FamilyChain(r.Context(), family)
		if err != nil {
			writeTokenStoreError(w, r, err)
			return
		}
		resp := familyResponse{Family: family, Tokens: make([]familyTokenView, 0, len(chain))}
		for _, t := range chain {
			resp.UserID = t.UserID
			resp.Tokens = append(resp.Tokens, familyTokenView{
				TokenID:         t.TokenID,
				PreviousTokenID: t.PreviousTokenID,
				ReplacedBy:      t.ReplacedBy,
				CreatedAt:       t.CreatedAt,
				ExpiresAt:       t.ExpiresAt,
				Used:            t.Used,
				UsedAt:          t.UsedAt,
				Revoked:         t.Revoked,
				RevokedReason:   t.RevokedReason,
			})
		}
		if live, ok := tip.Get(); ok {
			resp.Live = opt.Some(live.TokenID)
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		res, err := a.tokens.RevokeFamily(r.Context(), family, auth.ReasonAdmin)
		if err != nil {
			writeTokenStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tokenFamily":   family,
			"tokensRevoked": res.Tokens,
			"sessions":      len(res.Sessions),
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) tokenResponse(pair auth.TokenPair) tokenResponse {
	roles := pair.Roles
	if roles == nil {
		roles = []string{}
	}
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn(a.tokens.Now()),
		TokenType:    "Bearer",
		Roles:        roles,
		AllianceID:   pair.AllianceID,
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retry time.Duration) {
	secs := int64(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	payload := map[string]any{
		"error":      "rate limited",
		"retryAfter": secs,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusTooManyRequests, payload)
}

func writeTokenStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "token family not found")
	case auth.IsStoreFailure(err):
		writeError(w, r, http.StatusServiceUnavailable, "token service unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
