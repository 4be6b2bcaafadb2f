// Package session implements the token lifecycle: login and its alternate
// entry paths, proactive refresh, expiry detection and logout. The Manager is
// the single source of truth for whether the session is usable.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/backupdesk/backupdesk/internal/apierr"
	"github.com/backupdesk/backupdesk/internal/credstore"
	"github.com/backupdesk/backupdesk/internal/metrics"
	"github.com/backupdesk/backupdesk/internal/model"
)

// DefaultRefreshThreshold is how close to expiry EnsureFresh starts refreshing
const DefaultRefreshThreshold = 300 * time.Second

// ErrLoginInProgress is returned when a credential-issuing call is already running
var ErrLoginInProgress = errors.New("a login is already in progress")

var validate = validator.New()

// AuthAPI is the subset of the backup API the manager drives
type AuthAPI interface {
	Login(ctx context.Context, req model.LoginRequest) (*model.TokenResponse, error)
	VerifyMFA(ctx context.Context, req model.MFAVerifyRequest) (*model.TokenResponse, error)
	RequestMagicLink(ctx context.Context, req model.MagicLinkRequest) (*model.MessageResponse, error)
	ConsumeMagicLink(ctx context.Context, token string) (*model.TokenResponse, error)
	VerifyEmail(ctx context.Context, req model.VerifyEmailRequest) (*model.TokenResponse, error)
	Register(ctx context.Context, req model.RegisterRequest) (*model.TokenResponse, error)
	Refresh(ctx context.Context) (*model.TokenResponse, error)
	Me(ctx context.Context) (*model.User, error)
	UpdateMe(ctx context.Context, req model.UserUpdate) (*model.User, error)
}

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	RefreshThreshold time.Duration
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Manager owns the session state machine, the current Identity and, through
// the credential store, the Credential.
type Manager struct {
	api       AuthAPI
	store     *credstore.Store
	threshold time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.RWMutex
	state     State
	identity  *model.User
	loggingIn bool
	listeners map[int]StateListener
	nextID    int

	// refreshMu makes EnsureFresh check-and-refresh atomic
	refreshMu sync.Mutex
}

// New creates a manager in the Anonymous state. Call Restore to pick up a
// persisted credential.
func New(api AuthAPI, store *credstore.Store, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		api:       api,
		store:     store,
		threshold: opts.RefreshThreshold,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logger.With(zap.String("component", "session")),
		state:     StateAnonymous,
		listeners: make(map[int]StateListener),
	}
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsAuthenticated reports whether a usable credential is held
func (m *Manager) IsAuthenticated() bool {
	return m.State().Usable()
}

// IsLoggingIn reports whether a credential-issuing call is in flight
func (m *Manager) IsLoggingIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loggingIn
}

// CanForceLogout reports whether a rejected credential should end the
// session. It is false while a login or refresh is in flight: their own
// failures are reported to the caller and never log out.
func (m *Manager) CanForceLogout() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateAuthenticated && !m.loggingIn
}

// Token returns the current credential
func (m *Manager) Token() (string, bool) {
	return m.store.Get()
}

// Identity returns the last fetched user, or nil. The value must not be modified.
func (m *Manager) Identity() *model.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// OnStateChange registers l and returns a function that removes it
func (m *Manager) OnStateChange(l StateListener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Restore loads a persisted credential. An expired or undecodable credential
// is discarded; otherwise the session becomes Authenticated and Identity is
// fetched lazily.
func (m *Manager) Restore(ctx context.Context) error {
	found, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if m.IsExpiringSoon(0) {
		m.logger.Info("discarding expired credential")
		if err := m.store.Clear(); err != nil {
			m.logger.Warn("failed to clear expired credential", zap.Error(err))
		}
		return nil
	}

	m.transition(func() { m.state = StateAuthenticated })
	m.logger.Debug("session restored")
	return nil
}

// Login exchanges username and password for a credential. On failure the
// prior state and stored values are left untouched and the structured error
// is returned. An MFA challenge is returned as *apierr.MFARequired.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	req := model.LoginRequest{Username: username, Password: password}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid login request: %w", err)
	}

	issued, err := m.establish(ctx, func(ctx context.Context) (*model.TokenResponse, error) {
		return m.api.Login(ctx, req)
	})
	if err != nil {
		return err
	}
	if !issued {
		return &apierr.DecodeFailure{Err: errors.New("login response carried no access token")}
	}
	return nil
}

// VerifyMFA completes a login that was answered with an MFA challenge
func (m *Manager) VerifyMFA(ctx context.Context, mfaToken, code string) error {
	req := model.MFAVerifyRequest{MFAToken: mfaToken, Code: code}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid mfa request: %w", err)
	}

	issued, err := m.establish(ctx, func(ctx context.Context) (*model.TokenResponse, error) {
		return m.api.VerifyMFA(ctx, req)
	})
	if err == nil && !issued {
		err = &apierr.DecodeFailure{Err: errors.New("mfa response carried no access token")}
	}
	return err
}

// RequestMagicLink asks the server to email a one-time login link. No
// credential is issued.
func (m *Manager) RequestMagicLink(ctx context.Context, email string) (*model.MessageResponse, error) {
	req := model.MagicLinkRequest{Email: email}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid magic link request: %w", err)
	}
	return m.api.RequestMagicLink(ctx, req)
}

// ConsumeMagicLink logs in with the token from a magic link
func (m *Manager) ConsumeMagicLink(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("magic link token is required")
	}

	issued, err := m.establish(ctx, func(ctx context.Context) (*model.TokenResponse, error) {
		return m.api.ConsumeMagicLink(ctx, token)
	})
	if err == nil && !issued {
		err = &apierr.DecodeFailure{Err: errors.New("magic link response carried no access token")}
	}
	return err
}

// VerifyEmail submits an email verification code. When the server answers
// with a credential the session is established with it.
func (m *Manager) VerifyEmail(ctx context.Context, code string, force bool) error {
	req := model.VerifyEmailRequest{Code: code, ForceVerify: force}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid verification request: %w", err)
	}

	_, err := m.establish(ctx, func(ctx context.Context) (*model.TokenResponse, error) {
		return m.api.VerifyEmail(ctx, req)
	})
	return err
}

// Register creates an account. Servers that require email verification
// first answer without a credential, which leaves the session Anonymous.
func (m *Manager) Register(ctx context.Context, req model.RegisterRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}

	_, err := m.establish(ctx, func(ctx context.Context) (*model.TokenResponse, error) {
		return m.api.Register(ctx, req)
	})
	return err
}

// establish runs a credential-issuing call under the loggingIn guard and, on
// success, stores the credential, fetches Identity and becomes Authenticated.
// It reports whether a credential was issued.
func (m *Manager) establish(ctx context.Context, issue func(context.Context) (*model.TokenResponse, error)) (bool, error) {
	m.mu.Lock()
	if m.loggingIn {
		m.mu.Unlock()
		return false, ErrLoginInProgress
	}
	m.loggingIn = true
	prev := m.state
	if prev == StateReauthenticating {
		// the refresh in flight discards its result once it sees Authenticating,
		// so a failed login must return to a state Refresh can start from
		prev = StateAuthenticated
	}
	m.state = StateAuthenticating
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	fire(listeners, prev, StateAuthenticating)

	resp, err := issue(ctx)
	if err == nil && resp != nil && resp.MFARequired {
		err = &apierr.MFARequired{MFAToken: resp.MFAToken}
	}
	if err != nil || resp == nil || resp.AccessToken == "" {
		m.transition(func() {
			m.loggingIn = false
			m.state = prev
		})
		if err != nil {
			m.logger.Info("login attempt failed", zap.String("kind", string(apierr.KindOf(err))))
		}
		return false, err
	}

	if err := m.store.Set(resp.AccessToken); err != nil {
		// the session still works for this process
		m.logger.Warn("credential not persisted", zap.Error(err))
	}

	user, err := m.api.Me(ctx)
	if err != nil && apierr.IsAuthInvalid(err) {
		m.clear()
		m.transition(func() {
			m.loggingIn = false
			m.state = StateAnonymous
		})
		return false, err
	}
	if err != nil {
		m.logger.Warn("identity fetch failed after login", zap.Error(err))
	}

	m.transition(func() {
		m.loggingIn = false
		m.state = StateAuthenticated
		if user != nil {
			m.identity = user
		}
	})
	m.logger.Info("session established")
	return true, nil
}

// FetchIdentity loads the current user. Without a credential it clears
// Identity. A 401 ends the session; other failures keep the prior Identity.
func (m *Manager) FetchIdentity(ctx context.Context) (*model.User, error) {
	if _, ok := m.store.Get(); !ok {
		m.mu.Lock()
		m.identity = nil
		m.mu.Unlock()
		return nil, nil
	}

	user, err := m.api.Me(ctx)
	if err != nil {
		if apierr.IsAuthInvalid(err) {
			if m.IsLoggingIn() {
				m.mu.Lock()
				m.identity = nil
				m.mu.Unlock()
			} else {
				m.EndSession(ReasonUnauthorized)
			}
		}
		return nil, err
	}

	m.mu.Lock()
	m.identity = user
	m.mu.Unlock()
	return user, nil
}

// UpdateIdentity applies a profile change and stores the returned user
func (m *Manager) UpdateIdentity(ctx context.Context, upd model.UserUpdate) (*model.User, error) {
	if err := validate.Struct(upd); err != nil {
		return nil, fmt.Errorf("invalid profile update: %w", err)
	}

	user, err := m.api.UpdateMe(ctx, upd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.identity = user
	m.mu.Unlock()
	return user, nil
}

// IsExpiringSoon reports whether the credential expires within threshold.
// The signature is not verified. A credential whose expiry cannot be decoded
// is treated as already expired. Without a credential there is nothing to
// refresh and the result is false.
func (m *Manager) IsExpiringSoon(threshold time.Duration) bool {
	token, ok := m.store.Get()
	if !ok {
		return false
	}

	exp, err := expiry(token)
	if err != nil {
		m.logger.Warn("credential expiry unreadable, treating as expired", zap.Error(err))
		return true
	}
	return exp.Sub(m.now()) < threshold
}

// ExpiresAt returns the decoded expiry of the current credential
func (m *Manager) ExpiresAt() (time.Time, error) {
	token, ok := m.store.Get()
	if !ok {
		return time.Time{}, &apierr.AuthInvalid{Message: "no credential"}
	}
	return expiry(token)
}

func expiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, &apierr.TokenDecodeFailure{Err: err}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, &apierr.TokenDecodeFailure{Err: errors.New("token has no exp claim")}
	}
	return claims.ExpiresAt.Time, nil
}

// Refresh exchanges the current credential for a new one. A failure leaves
// the session as it was and reports false; it never logs out by itself.
func (m *Manager) Refresh(ctx context.Context) bool {
	if _, ok := m.store.Get(); !ok {
		return false
	}

	m.mu.Lock()
	from := m.state
	if from != StateAuthenticated {
		m.mu.Unlock()
		return false
	}
	m.state = StateReauthenticating
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	fire(listeners, from, StateReauthenticating)

	resp, err := m.api.Refresh(ctx)
	if err != nil || resp == nil || resp.AccessToken == "" {
		m.logger.Warn("credential refresh failed", zap.String("kind", string(apierr.KindOf(err))))
		m.settleRefresh()
		return false
	}

	// a 401 elsewhere may have ended the session while the call was in flight
	if m.State() != StateReauthenticating {
		return false
	}

	if err := m.store.Set(resp.AccessToken); err != nil {
		m.logger.Warn("refreshed credential not persisted", zap.Error(err))
	}
	m.settleRefresh()
	m.logger.Debug("credential refreshed")
	return true
}

func (m *Manager) settleRefresh() {
	m.transition(func() {
		if m.state == StateReauthenticating {
			m.state = StateAuthenticated
		}
	})
}

// EnsureFresh refreshes the credential once when it expires within the
// configured threshold. It reports whether a refresh was attempted.
func (m *Manager) EnsureFresh(ctx context.Context) bool {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if !m.IsExpiringSoon(m.threshold) {
		return false
	}
	m.Refresh(ctx)
	return true
}

// Logout clears the credential and Identity and returns to Anonymous
func (m *Manager) Logout() {
	m.EndSession(ReasonManual)
}

// EndSession is Logout with the reason recorded
func (m *Manager) EndSession(reason string) {
	m.clear()
	m.transition(func() { m.state = StateAnonymous })
	m.metrics.Logout(reason)
	m.logger.Info("session ended", zap.String("reason", reason))
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("failed to clear persisted credential", zap.Error(err))
	}
}

// transition applies mutate under the lock and notifies listeners if the
// state changed.
func (m *Manager) transition(mutate func()) {
	m.mu.Lock()
	from := m.state
	mutate()
	to := m.state
	var listeners []StateListener
	if from != to {
		listeners = m.snapshotListeners()
	}
	m.mu.Unlock()

	fire(listeners, from, to)
}

func (m *Manager) snapshotListeners() []StateListener {
	out := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}

func fire(listeners []StateListener, from, to State) {
	for _, l := range listeners {
		l(from, to)
	}
}
