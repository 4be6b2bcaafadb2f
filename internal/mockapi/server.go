// Package mockapi is an in-memory fake of the backup API. It serves the auth,
// user, backup status and node stats routes the console uses, including the
// push streams over SSE and websocket, and exposes hooks to script statuses
// and inject failures from tests.
package mockapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/backupdesk/backupdesk/internal/model"
)

// DefaultSecret signs tokens when Options.Secret is empty
const DefaultSecret = "backupdesk-mockapi-development-secret"

var validate = validator.New()

// Options configures a Server
type Options struct {
	Secret     string
	TokenTTL   time.Duration
	BcryptCost int
	Logger     *zap.Logger
}

type fault struct {
	status    int
	remaining int
}

// Server is the fake API
type Server struct {
	store  *Store
	issuer *Issuer
	hub    *Hub
	router chi.Router
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	faults     map[string]*fault
	requests   map[string]int
	streams    map[string]int
	cancels    map[int]context.CancelFunc
	nextStream int
	revoked    map[string]bool
}

// NewServer creates a server with seed data. Close releases its streams.
func NewServer(opts Options) (*Server, error) {
	if opts.Secret == "" {
		opts.Secret = DefaultSecret
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	issuer, err := NewIssuer(opts.Secret, opts.TokenTTL)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With(zap.String("component", "mockapi"))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:    NewStore(opts.BcryptCost),
		issuer:   issuer,
		hub:      NewHub(logger),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		faults:   make(map[string]*fault),
		requests: make(map[string]int),
		streams:  make(map[string]int),
		cancels:  make(map[int]context.CancelFunc),
		revoked:  make(map[string]bool),
	}
	go s.hub.Run(ctx)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(recovery(s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(s.injectFaults)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.login)
			r.Post("/mfa/verify", s.verifyMFA)
			r.Post("/magic-link", s.requestMagicLink)
			r.Get("/magic-link/{token}", s.consumeMagicLink)
			r.Post("/verify-email", s.verifyEmail)
			r.Post("/register", s.register)

			r.With(jwtAuth(s.validateToken, false)).Post("/refresh", s.refresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(jwtAuth(s.validateToken, false))

			r.Get("/users/me", s.me)
			r.Put("/users/me", s.updateMe)
			r.Get("/sites/{id}/backup/status", s.backupStatus)
			r.Get("/metrics/nodes/stats", s.fleetStats)
		})

		// Push streams also accept the token as a query parameter
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth(s.validateToken, true))

			r.Get("/daemon/backup/stream/{id}", s.backupStream)
			r.Get("/metrics/nodes/stats/stream", s.fleetStream)
			r.Get("/metrics/nodes/{id}/stats/stream", s.nodeStream)
		})
	})

	return r
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the backing data store
func (s *Server) Store() *Store {
	return s.store
}

// Close ends every open stream and stops the hub
func (s *Server) Close() {
	s.DropStreams()
	s.cancel()
}

// IssueToken signs a token for the account with email
func (s *Server) IssueToken(email string) (string, error) {
	user, ok := s.store.UserByEmail(email)
	if !ok {
		return "", fmt.Errorf("unknown user %q", email)
	}
	token, _, err := s.issuer.Issue(user)
	return token, err
}

// Revoke makes token fail validation from now on
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	s.revoked[token] = true
	s.mu.Unlock()
}

func (s *Server) validateToken(token string) (*Claims, error) {
	s.mu.Lock()
	revoked := s.revoked[token]
	s.mu.Unlock()
	if revoked {
		return nil, errors.New("token revoked")
	}
	return s.issuer.Validate(token)
}

// Fail makes the next count requests whose path (without /api/v1) starts
// with prefix answer status. A negative count fails until ClearFaults.
func (s *Server) Fail(prefix string, status, count int) {
	s.mu.Lock()
	s.faults[prefix] = &fault{status: status, remaining: count}
	s.mu.Unlock()
}

// ClearFaults removes every injected failure
func (s *Server) ClearFaults() {
	s.mu.Lock()
	s.faults = make(map[string]*fault)
	s.mu.Unlock()
}

// Requests counts the requests seen whose path starts with prefix
func (s *Server) Requests(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, count := range s.requests {
		if strings.HasPrefix(path, prefix) {
			n += count
		}
	}
	return n
}

// OpenStreams counts the push streams currently open whose path starts with prefix
func (s *Server) OpenStreams(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, count := range s.streams {
		if strings.HasPrefix(path, prefix) {
			n += count
		}
	}
	return n
}

// DropStreams closes every open push stream from the server side
func (s *Server) DropStreams() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// SetStatus replaces a site's status and pushes it to the site's streams
func (s *Server) SetStatus(status model.BackupStatus) {
	s.store.SetSiteStatus(status)
	if current, ok := s.store.SiteStatus(status.SiteID); ok {
		s.hub.Publish(backupTopic(status.SiteID), current)
	}
}

// SetNode replaces a node sample and pushes it to the fleet and node streams
func (s *Server) SetNode(n model.NodeStats) {
	s.store.SetNode(n)
	s.hub.Publish(fleetTopic, s.store.Fleet())
	s.hub.Publish(nodeTopic(n.ID), nodePayload(n))
}

// Simulate advances running jobs by step percent every tick until ctx is done
func (s *Server) Simulate(ctx context.Context, every time.Duration, step float64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, status := range s.store.AdvanceJobs(step) {
				s.hub.Publish(backupTopic(status.SiteID), status)
			}
		}
	}
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/v1")

		s.mu.Lock()
		s.requests[path]++
		var status int
		for prefix, f := range s.faults {
			if !strings.HasPrefix(path, prefix) || f.remaining == 0 {
				continue
			}
			status = f.status
			if f.remaining > 0 {
				f.remaining--
			}
			break
		}
		s.mu.Unlock()

		if status == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		sendDetail(w, status, http.StatusText(status))
	})
}

// trackStream registers an open stream so it can be counted and dropped
func (s *Server) trackStream(parent context.Context, path string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)

	s.mu.Lock()
	id := s.nextStream
	s.nextStream++
	s.cancels[id] = cancel
	s.streams[path]++
	s.mu.Unlock()

	return ctx, func() {
		stop()
		cancel()
		s.mu.Lock()
		delete(s.cancels, id)
		s.streams[path]--
		s.mu.Unlock()
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		sendError(w, r, http.StatusBadRequest, "INVALID_ID", "Invalid id")
		return 0, false
	}
	return id, true
}
