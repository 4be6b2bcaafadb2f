package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/mockapi"
	"github.com/backupdesk/backupdesk/internal/model"
	"github.com/backupdesk/backupdesk/internal/transport"
)

// tokenSession holds a bearer token and records session ends
type tokenSession struct {
	mu    sync.Mutex
	token string
	ended []string
}

func (s *tokenSession) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *tokenSession) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *tokenSession) CanForceLogout() bool {
	_, ok := s.Token()
	return ok
}

func (s *tokenSession) EndSession(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.ended = append(s.ended, reason)
}

func setup(t *testing.T) (*API, *tokenSession, *mockapi.Server) {
	t.Helper()
	srv, err := mockapi.NewServer(mockapi.Options{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	tc, err := transport.New(transport.Options{BaseURL: ts.URL + "/api/v1"})
	require.NoError(t, err)
	sess := &tokenSession{}
	tc.Bind(sess)
	return New(tc), sess, srv
}

func TestLoginAndMe(t *testing.T) {
	api, sess, _ := setup(t)
	ctx := context.Background()

	resp, err := api.Login(ctx, model.LoginRequest{Username: mockapi.AdminEmail, Password: mockapi.AdminPassword})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	sess.set(resp.AccessToken)

	me, err := api.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, mockapi.AdminEmail, me.Email)
	assert.True(t, me.IsSuperAdmin())

	refreshed, err := api.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
}

func TestLoginFailuresMapToVariants(t *testing.T) {
	api, _, _ := setup(t)
	ctx := context.Background()

	_, err := api.Login(ctx, model.LoginRequest{Username: mockapi.AdminEmail, Password: "wrong"})
	var invalid *apierr.AuthInvalid
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "Incorrect email or password", invalid.Message)

	_, err = api.Login(ctx, model.LoginRequest{Username: mockapi.PendingEmail, Password: mockapi.PendingPassword})
	var denied *apierr.PermissionDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "email_not_verified", denied.Code)
	assert.NotEmpty(t, denied.VerificationToken)
	assert.NotZero(t, denied.UserID)

	// the verification token from the 403 completes the flow
	resp, err := api.VerifyEmail(ctx, model.VerifyEmailRequest{Code: denied.VerificationToken})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestMFAChallenge(t *testing.T) {
	api, _, _ := setup(t)
	ctx := context.Background()

	resp, err := api.Login(ctx, model.LoginRequest{Username: mockapi.OperatorEmail, Password: mockapi.OperatorPassword})
	require.NoError(t, err)
	require.True(t, resp.MFARequired)

	out, err := api.VerifyMFA(ctx, model.MFAVerifyRequest{MFAToken: resp.MFAToken, Code: mockapi.OperatorMFACode})
	require.NoError(t, err)
	assert.NotEmpty(t, out.AccessToken)
}

func TestMagicLinkRoundTrip(t *testing.T) {
	api, _, srv := setup(t)
	ctx := context.Background()

	msg, err := api.RequestMagicLink(ctx, model.MagicLinkRequest{Email: mockapi.AdminEmail})
	require.NoError(t, err)
	assert.True(t, msg.Success)

	token, ok := srv.Store().MagicLink(mockapi.AdminEmail)
	require.True(t, ok)

	resp, err := api.ConsumeMagicLink(ctx, token)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)

	_, err = api.ConsumeMagicLink(ctx, token)
	var failed *apierr.RequestFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, http.StatusBadRequest, failed.Status)
}

func TestRegisterConflict(t *testing.T) {
	api, _, _ := setup(t)
	ctx := context.Background()

	_, err := api.Register(ctx, model.RegisterRequest{Email: "fresh@example.com", Password: "long-enough"})
	require.NoError(t, err)

	_, err = api.Register(ctx, model.RegisterRequest{Email: "fresh@example.com", Password: "long-enough"})
	var failed *apierr.RequestFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, http.StatusConflict, failed.Status)
}

func TestUpdateMe(t *testing.T) {
	api, sess, srv := setup(t)
	token, err := srv.IssueToken(mockapi.AdminEmail)
	require.NoError(t, err)
	sess.set(token)

	name := "Root Admin"
	me, err := api.UpdateMe(context.Background(), model.UserUpdate{FullName: &name})
	require.NoError(t, err)
	require.NotNil(t, me.FullName)
	assert.Equal(t, name, *me.FullName)
}

func TestBackupStatusAndFleetStats(t *testing.T) {
	api, sess, srv := setup(t)
	token, err := srv.IssueToken(mockapi.AdminEmail)
	require.NoError(t, err)
	sess.set(token)
	ctx := context.Background()

	status, err := api.BackupStatus(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.BackupCompleted, status.Status)

	_, err = api.BackupStatus(ctx, 404)
	var failed *apierr.RequestFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "NOT_FOUND", failed.Code)

	fleet, err := api.FleetStats(ctx)
	require.NoError(t, err)
	assert.Len(t, fleet.Nodes, 3)
}

func TestServerFailuresMapToVariants(t *testing.T) {
	api, sess, srv := setup(t)
	token, err := srv.IssueToken(mockapi.AdminEmail)
	require.NoError(t, err)
	sess.set(token)
	ctx := context.Background()

	srv.Fail("/sites", http.StatusTooManyRequests, 1)
	_, err = api.BackupStatus(ctx, 1)
	var limited *apierr.RateLimited
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter.Seconds(), 0.0)

	srv.Fail("/sites", http.StatusServiceUnavailable, 1)
	_, err = api.BackupStatus(ctx, 1)
	var serverErr *apierr.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusServiceUnavailable, serverErr.Status)
}

func TestRevokedCredentialEndsSession(t *testing.T) {
	api, sess, srv := setup(t)
	token, err := srv.IssueToken(mockapi.AdminEmail)
	require.NoError(t, err)
	sess.set(token)

	srv.Revoke(token)
	_, err = api.Me(context.Background())
	var invalid *apierr.AuthInvalid
	require.ErrorAs(t, err, &invalid)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.Equal(t, []string{"unauthorized"}, sess.ended)
	assert.Empty(t, sess.token)
}
