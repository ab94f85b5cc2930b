package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-clientcache/pkg/transport"
)

// APIConfig maps the AuthAPI operations onto remote paths.
type APIConfig struct {
	PrimaryLoginPath   string
	SecondaryLoginPath string
	WhoAmIPath         string
	PingPath           string
	LogoutPath         string
}

func (c *APIConfig) applyDefaults() {
	if c.PrimaryLoginPath == "" {
		c.PrimaryLoginPath = "/auth/login"
	}
	if c.SecondaryLoginPath == "" {
		c.SecondaryLoginPath = "/auth/login/secondary"
	}
	if c.WhoAmIPath == "" {
		c.WhoAmIPath = "/auth/me"
	}
	if c.PingPath == "" {
		c.PingPath = "/auth/session"
	}
	if c.LogoutPath == "" {
		c.LogoutPath = "/auth/logout"
	}
}

// HTTPAuthAPI implements AuthAPI over the shared transport client, so every
// call it makes flows through the client's interceptor chain like any other.
type HTTPAuthAPI struct {
	client *transport.Client
	cfg    APIConfig
}

// NewHTTPAuthAPI creates an AuthAPI bound to the shared transport client.
func NewHTTPAuthAPI(client *transport.Client, cfg APIConfig) (*HTTPAuthAPI, error) {
	if client == nil {
		return nil, fmt.Errorf("transport client cannot be nil")
	}
	cfg.applyDefaults()
	return &HTTPAuthAPI{client: client, cfg: cfg}, nil
}

// Login authenticates the given identity kind.
func (a *HTTPAuthAPI) Login(ctx context.Context, kind Kind, creds Credentials) (LoginResult, error) {
	path := a.cfg.PrimaryLoginPath
	if kind == KindSecondary {
		path = a.cfg.SecondaryLoginPath
	}
	var result LoginResult
	if err := a.client.DoJSON(ctx, http.MethodPost, path, creds, &result); err != nil {
		return LoginResult{}, err
	}
	if result.Token == "" {
		return LoginResult{}, fmt.Errorf("login response carried no token")
	}
	return result, nil
}

// WhoAmI resolves the authenticated primary identity's profile.
func (a *HTTPAuthAPI) WhoAmI(ctx context.Context) (json.RawMessage, error) {
	var profile json.RawMessage
	if err := a.client.DoJSON(ctx, http.MethodGet, a.cfg.WhoAmIPath, nil, &profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Ping issues the lightweight authenticated liveness call.
func (a *HTTPAuthAPI) Ping(ctx context.Context) error {
	return a.client.DoJSON(ctx, http.MethodGet, a.cfg.PingPath, nil, nil)
}

// Logout invalidates the session server-side.
func (a *HTTPAuthAPI) Logout(ctx context.Context) error {
	return a.client.DoJSON(ctx, http.MethodPost, a.cfg.LogoutPath, nil, nil)
}
