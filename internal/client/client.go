// Package client talks to a running arbiter over HTTP and gRPC health.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"arbiter.gg/internal/authz"
)

var (
	ErrBadRequest   = errors.New("client: bad request")
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrForbidden    = errors.New("client: forbidden")
	ErrNotFound     = errors.New("client: not found")
	ErrConflict     = errors.New("client: conflict")
	ErrRateLimited  = errors.New("client: rate limited")
	ErrUnavailable  = errors.New("client: unavailable")
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("arbiter: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// Tokens is a login or refresh result.
type Tokens struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int64    `json:"expiresIn"`
	TokenType    string   `json:"tokenType"`
	Roles        []string `json:"roles"`
	AllianceID   string   `json:"allianceId,omitempty"`
}

// Validation is the result of validating an access token.
type Validation struct {
	Valid      bool     `json:"valid"`
	UserID     string   `json:"userId,omitempty"`
	PlayerID   string   `json:"playerId,omitempty"`
	AllianceID string   `json:"allianceId,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Client wraps the HTTP API and, once dialled, the gRPC health service.
type Client struct {
	base   string
	http   *http.Client
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// New returns a client for baseURL. A nil httpClient gets a 10s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// DialHealth connects the gRPC health client (insecure transport by default).
func (c *Client) DialHealth(target string, opts ...grpc.DialOption) error {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return err
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	return nil
}

// Close closes the gRPC connection if one was dialled.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Login(ctx context.Context, username, password, deviceID, userType string) (Tokens, error) {
	var out Tokens
	err := c.post(ctx, "/v1/auth/token", "", map[string]string{
		"username": username,
		"password": password,
		"deviceId": deviceID,
		"userType": userType,
	}, &out)
	return out, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken, deviceID string) (Tokens, error) {
	var out Tokens
	err := c.post(ctx, "/v1/auth/refresh", "", map[string]string{
		"refreshToken": refreshToken,
		"deviceId":     deviceID,
	}, &out)
	return out, err
}

func (c *Client) Validate(ctx context.Context, accessToken string, requiredRoles ...string) (Validation, error) {
	var out Validation
	err := c.post(ctx, "/v1/auth/validate", "", map[string]any{
		"token":         accessToken,
		"requiredRoles": requiredRoles,
	}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/v1/auth/logout", accessToken, nil, nil)
}

func (c *Client) Authorize(ctx context.Context, req authz.Request) (authz.AuthorizationDecision, error) {
	var out authz.AuthorizationDecision
	err := c.post(ctx, "/v1/authz/authorize", "", req, &out)
	return out, err
}

// Health returns the gRPC serving status of service ("" for the server).
func (c *Client) Health(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if c.health == nil {
		return healthpb.HealthCheckResponse_UNKNOWN, errors.New("client: health not dialled")
	}
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) post(ctx context.Context, path, bearer string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return mapStatus(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func mapStatus(code int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = http.StatusText(code)
	}

	var kind error
	switch code {
	case http.StatusBadRequest:
		kind = ErrBadRequest
	case http.StatusUnauthorized:
		kind = ErrUnauthorized
	case http.StatusForbidden:
		kind = ErrForbidden
	case http.StatusNotFound:
		kind = ErrNotFound
	case http.StatusConflict:
		kind = ErrConflict
	case http.StatusTooManyRequests:
		kind = ErrRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		kind = ErrUnavailable
	}
	return &APIError{Status: code, Message: msg, kind: kind}
}
