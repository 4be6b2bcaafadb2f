// Package client is the typed catalogue of backup API endpoints used by the
// console. Every call goes through the transport client and fails with
// apierr variants.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/transport"
)

// API implements session.AuthAPI and stream.StatusFetcher over HTTP
type API struct {
	t *transport.Client
}

func New(t *transport.Client) *API {
	return &API{t: t}
}

// Transport returns the underlying transport client
func (a *API) Transport() *transport.Client {
	return a.t
}

func (a *API) Login(ctx context.Context, req model.LoginRequest) (*model.TokenResponse, error) {
	var out model.TokenResponse
	if err := a.t.Do(ctx, http.MethodPost, "/auth/login", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) VerifyMFA(ctx context.Context, req model.MFAVerifyRequest) (*model.TokenResponse, error) {
	var out model.TokenResponse
	if err := a.t.Do(ctx, http.MethodPost, "/auth/mfa/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) RequestMagicLink(ctx context.Context, req model.MagicLinkRequest) (*model.MessageResponse, error) {
	var out model.MessageResponse
	if err := a.t.Do(ctx, http.MethodPost, "/auth/magic-link", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) ConsumeMagicLink(ctx context.Context, token string) (*model.TokenResponse, error) {
	var out model.TokenResponse
	if err := a.t.Do(ctx, http.MethodGet, "/auth/magic-link/"+url.PathEscape(token), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) VerifyEmail(ctx context.Context, req model.VerifyEmailRequest) (*model.TokenResponse, error) {
	var out model.TokenResponse
	if err := a.t.Do(ctx, http.MethodPost, "/auth/verify-email", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Register(ctx context.Context, req model.RegisterRequest) (*model.TokenResponse, error) {
	var out model.TokenResponse
	if err := a.t.Do(ctx, http.MethodPost, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges the bearer credential for a new one
func (a *API) Refresh(ctx context.Context) (*model.TokenResponse, error) {
	var out model.TokenResponse
	if err := a.t.Do(ctx, http.MethodPost, "/auth/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Me(ctx context.Context) (*model.User, error) {
	var out model.User
	if err := a.t.Do(ctx, http.MethodGet, "/users/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateMe(ctx context.Context, req model.UserUpdate) (*model.User, error) {
	var out model.User
	if err := a.t.Do(ctx, http.MethodPut, "/users/me", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BackupStatus reads one site's current backup status
func (a *API) BackupStatus(ctx context.Context, siteID int) (*model.BackupStatus, error) {
	var out model.BackupStatus
	if err := a.t.Do(ctx, http.MethodGet, fmt.Sprintf("/sites/%d/backup/status", siteID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FleetStats reads one sample of every node's health
func (a *API) FleetStats(ctx context.Context) (*model.FleetStats, error) {
	var out model.FleetStats
	if err := a.t.Do(ctx, http.MethodGet, "/metrics/nodes/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
