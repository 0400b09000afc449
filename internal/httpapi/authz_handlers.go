package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/auth"
	"arbiter.gg/internal/authz"
)

type entityRequest struct {
	Action        string              `json:"action"`
	EntityType    string              `json:"entityType"`
	EntityID      string              `json:"entityId"`
	Attributes    map[string]any      `json:"attributes,omitempty"`
	Relationships authz.Relationships `json:"relationships"`
	TTL           int64               `json:"ttl,omitempty"`
	Version       int64               `json:"version,omitempty"`
}

type policyRequest struct {
	PolicyID string `json:"policyId"`
	Content  string `json:"content"`
	Type     string `json:"policyType,omitempty"`
	Priority int    `json:"priority"`
	Active   *bool  `json:"isActive,omitempty"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return
	}

	var req authz.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Authorize(r.Context(), req))
}

func (a *API) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.entities == nil {
		writeError(w, r, http.StatusServiceUnavailable, "entity directory unavailable")
		return
	}

	var req entityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TTL < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl must not be negative")
		return
	}
	in := authz.EntityInput{
		Type:          req.EntityType,
		ID:            req.EntityID,
		Attributes:    req.Attributes,
		Relationships: req.Relationships,
		TTL:           time.Duration(req.TTL) * time.Second,
		Version:       req.Version,
	}
	ref := authz.EntityRef{Type: strings.TrimSpace(req.EntityType), ID: strings.TrimSpace(req.EntityID)}
	ctx := r.Context()

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "create":
		e, err := a.entities.Create(ctx, in)
		if err != nil {
			a.writeEntityError(w, r, err)
			return
		}
		a.recordEntity(r, "authz.entity.create", e.Ref(), e.Version)
		writeJSON(w, http.StatusCreated, e)
	case "update":
		e, err := a.entities.Update(ctx, in)
		if err != nil {
			a.writeEntityError(w, r, err)
			return
		}
		a.recordEntity(r, "authz.entity.update", e.Ref(), e.Version)
		writeJSON(w, http.StatusOK, e)
	case "delete":
		if err := a.entities.Delete(ctx, ref); err != nil {
			a.writeEntityError(w, r, err)
			return
		}
		a.recordEntity(r, "authz.entity.delete", ref, 0)
		w.WriteHeader(http.StatusNoContent)
	case "get":
		e, err := a.entities.Get(ctx, ref)
		if err != nil {
			a.writeEntityError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case "list":
		if ref.Type == "" {
			writeError(w, r, http.StatusBadRequest, "entityType is required")
			return
		}
		items, err := a.entities.List(ctx, ref.Type)
		if err != nil {
			a.writeEntityError(w, r, err)
			return
		}
		if items == nil {
			items = []authz.Entity{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, r, http.StatusBadRequest, "action must be one of create, update, delete, get, list")
	}
}

// handlePolicyReload drops the cached policy set; with a body it first
// upserts the given policy.
func (a *API) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.policies == nil {
		writeError(w, r, http.StatusServiceUnavailable, "policy store unavailable")
		return
	}
	ctx := r.Context()

	if r.ContentLength != 0 {
		var req policyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		p, err := a.policies.Upsert(ctx, authz.Policy{
			ID:       req.PolicyID,
			Content:  req.Content,
			Type:     req.Type,
			Priority: req.Priority,
			Active:   active,
		})
		if err != nil {
			if errors.Is(err, authz.ErrInvalidPolicy) {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			a.logger.Error("policy_upsert_failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "policy store unavailable")
			return
		}
		a.record(ctx, "authz.policy.upsert", map[string]any{"policy_id": p.ID, "version": p.Version, "by": actor(r)})
	} else if err := a.policies.Invalidate(ctx); err != nil {
		a.logger.Warn("policy_cache_invalidate_failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	active, err := a.policies.Active(ctx)
	if err != nil {
		a.logger.Error("policy_list_failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "policy store unavailable")
		return
	}
	ids := make([]string, 0, len(active))
	for _, p := range active {
		ids = append(ids, p.ID)
	}
	a.record(ctx, "authz.policy.reload", map[string]any{"active": len(ids), "by": actor(r)})
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "activePolicies": ids})
}

func (a *API) writeEntityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidEntity), errors.Is(err, authz.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "entity not found")
	case errors.Is(err, authz.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "entity already exists")
	case errors.Is(err, authz.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, "version conflict")
	default:
		a.logger.Error("entity_directory_failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "entity directory unavailable")
	}
}

func (a *API) recordEntity(r *http.Request, event string, ref authz.EntityRef, version int64) {
	fields := map[string]any{"entity": ref.String(), "by": actor(r)}
	if version > 0 {
		fields["version"] = version
	}
	a.record(r.Context(), event, fields)
}

func actor(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}
