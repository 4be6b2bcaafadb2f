package mockapi

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/backupdesk/backupdesk/internal/model"
)

var (
	errInvalidCredentials = errors.New("incorrect email or password")
	errEmailTaken         = errors.New("email already registered")
	errNotFound           = errors.New("not found")
)

// Seeded accounts. Passwords are for local development only.
const (
	AdminEmail    = "admin@backupdesk.local"
	AdminPassword = "admin-password"

	OperatorEmail    = "ops@backupdesk.local"
	OperatorPassword = "ops-password"
	OperatorMFACode  = "123456"

	PendingEmail    = "pending@backupdesk.local"
	PendingPassword = "pending-password"
)

type account struct {
	user    model.User
	hash    []byte
	mfaCode string
}

// Store holds all mock data in memory
type Store struct {
	mu   sync.RWMutex
	cost int

	accounts   map[int]*account
	byEmail    map[string]int
	nextUserID int

	mfaTokens     map[string]int
	magicLinks    map[string]int
	verifications map[string]int

	sites map[int]*model.BackupStatus
	nodes map[int]*model.NodeStats

	now func() time.Time
}

// NewStore creates a store with seed data. cost is the bcrypt cost used for
// password hashes.
func NewStore(cost int) *Store {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	s := &Store{
		cost:          cost,
		accounts:      make(map[int]*account),
		byEmail:       make(map[string]int),
		nextUserID:    1,
		mfaTokens:     make(map[string]int),
		magicLinks:    make(map[string]int),
		verifications: make(map[string]int),
		sites:         make(map[int]*model.BackupStatus),
		nodes:         make(map[int]*model.NodeStats),
		now:           time.Now,
	}
	s.seed()
	return s
}

func (s *Store) seed() {
	admin, _ := s.AddUser(AdminEmail, AdminPassword, "Ada Admin", model.RoleSuperAdmin, true)
	ops, _ := s.AddUser(OperatorEmail, OperatorPassword, "Otto Operator", model.RoleNodeAdmin, true)
	_, _ = s.AddUser(PendingEmail, PendingPassword, "", model.RoleSiteAdmin, false)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[ops.ID].mfaCode = OperatorMFACode
	s.accounts[ops.ID].user.AssignedNodes = []int{1, 2}
	s.accounts[admin.ID].user.AssignedSites = []int{1, 2, 3}

	started := s.now().UTC().Add(-4 * time.Minute).Format(time.RFC3339)
	stage := "upload"
	s.sites[1] = &model.BackupStatus{
		SiteID: 1, SiteName: "alpha.example.com", Status: model.BackupRunning,
		Progress: 40, Message: "Uploading archive", Stage: &stage,
		BytesProcessed: 400 << 20, BytesTotal: 1000 << 20, StartedAt: &started,
	}
	s.sites[2] = &model.BackupStatus{SiteID: 2, SiteName: "beta.example.com", Status: model.BackupIdle}
	s.sites[3] = &model.BackupStatus{
		SiteID: 3, SiteName: "gamma.example.com", Status: model.BackupCompleted,
		Progress: 100, Message: "Backup completed",
	}

	cpu, mem, disk := 23.5, 61.0, 48.2
	uptime := int64(86400 * 3)
	s.nodes[1] = &model.NodeStats{
		ID: 1, Hostname: "node-1", Status: model.NodeOnline, IsMaster: true,
		CPUPercent: &cpu, MemoryPercent: &mem, DiskPercent: &disk, UptimeSeconds: &uptime, ActiveBackups: 1,
	}
	s.nodes[2] = &model.NodeStats{ID: 2, Hostname: "node-2", Status: model.NodeOnline}
	s.nodes[3] = &model.NodeStats{ID: 3, Hostname: "node-3", Status: model.NodeStale}
}

// AddUser creates an account with a bcrypt password hash
func (s *Store) AddUser(email, password, fullName string, role model.Role, verified bool) (*model.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	if _, exists := s.byEmail[key]; exists {
		return nil, errEmailTaken
	}

	id := s.nextUserID
	s.nextUserID++

	user := model.User{
		ID:         id,
		Email:      email,
		IsActive:   true,
		IsVerified: verified,
		Role:       role,
		CreatedAt:  s.now().UTC().Format(time.RFC3339),
	}
	if fullName != "" {
		user.FullName = &fullName
	}

	s.accounts[id] = &account{user: user, hash: hash}
	s.byEmail[key] = id
	out := user
	return &out, nil
}

// Authenticate checks an email and password. mfa reports whether a second
// factor is still required.
func (s *Store) Authenticate(email, password string) (user *model.User, mfa bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, false, errInvalidCredentials
	}
	acc := s.accounts[id]
	if bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		return nil, false, errInvalidCredentials
	}
	out := acc.user
	return &out, acc.mfaCode != "", nil
}

// User returns a copy of the account's identity
func (s *Store) User(id int) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	out := acc.user
	return &out, true
}

// UserByEmail looks an account up by email
func (s *Store) UserByEmail(email string) (*model.User, bool) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.User(id)
}

// UpdateUser applies a profile update. A new email is held as pending until
// it is verified.
func (s *Store) UpdateUser(id int, upd model.UserUpdate) (*model.User, error) {
	var hash []byte
	if upd.Password != nil {
		h, err := bcrypt.GenerateFromPassword([]byte(*upd.Password), s.cost)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, errNotFound
	}
	if upd.Email != nil && !strings.EqualFold(*upd.Email, acc.user.Email) {
		if _, taken := s.byEmail[strings.ToLower(*upd.Email)]; taken {
			return nil, errEmailTaken
		}
		pending := *upd.Email
		acc.user.PendingEmail = &pending
	}
	if upd.FullName != nil {
		name := *upd.FullName
		acc.user.FullName = &name
	}
	if hash != nil {
		acc.hash = hash
	}
	out := acc.user
	return &out, nil
}

// IssueMFAToken starts a second-factor challenge for userID
func (s *Store) IssueMFAToken(userID int) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.mfaTokens[token] = userID
	s.mu.Unlock()
	return token
}

// ConsumeMFA completes a challenge. The token is single use.
func (s *Store) ConsumeMFA(token, code string) (*model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.mfaTokens[token]
	if !ok {
		return nil, false
	}
	acc := s.accounts[id]
	if acc.mfaCode != code {
		return nil, false
	}
	delete(s.mfaTokens, token)
	out := acc.user
	return &out, true
}

// IssueMagicLink creates a single-use login token for email
func (s *Store) IssueMagicLink(email string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return "", false
	}
	token := uuid.NewString()
	s.magicLinks[token] = id
	return token, true
}

// MagicLink returns the outstanding magic link token for email, if any
func (s *Store) MagicLink(email string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return "", false
	}
	for token, owner := range s.magicLinks {
		if owner == id {
			return token, true
		}
	}
	return "", false
}

// ConsumeMagicLink redeems a magic link token
func (s *Store) ConsumeMagicLink(token string) (*model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.magicLinks[token]
	if !ok {
		return nil, false
	}
	delete(s.magicLinks, token)
	out := s.accounts[id].user
	return &out, true
}

// IssueVerification creates an email verification code for userID
func (s *Store) IssueVerification(userID int) string {
	code := uuid.NewString()
	s.mu.Lock()
	s.verifications[code] = userID
	s.mu.Unlock()
	return code
}

// Verify redeems a verification code and marks the account verified. A
// pending email change becomes the account email.
func (s *Store) Verify(code string) (*model.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.verifications[code]
	if !ok {
		return nil, false
	}
	delete(s.verifications, code)

	acc := s.accounts[id]
	acc.user.IsVerified = true
	if acc.user.PendingEmail != nil {
		delete(s.byEmail, strings.ToLower(acc.user.Email))
		acc.user.Email = *acc.user.PendingEmail
		acc.user.PendingEmail = nil
		s.byEmail[strings.ToLower(acc.user.Email)] = id
	}
	out := acc.user
	return &out, true
}

// SiteStatus returns a copy of a site's backup status
func (s *Store) SiteStatus(id int) (*model.BackupStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sites[id]
	if !ok {
		return nil, false
	}
	out := *st
	return &out, true
}

// SetSiteStatus replaces a site's backup status
func (s *Store) SetSiteStatus(status model.BackupStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sites[status.SiteID]; ok && status.SiteName == "" {
		status.SiteName = prev.SiteName
	}
	s.sites[status.SiteID] = &status
}

// AdvanceJobs moves every running job forward by step percent. Jobs reaching
// 100 complete. It returns the statuses that changed.
func (s *Store) AdvanceJobs(step float64) []model.BackupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []model.BackupStatus
	for _, st := range s.sites {
		if st.Status != model.BackupRunning {
			continue
		}
		st.Progress += step
		if st.BytesTotal > 0 {
			st.BytesProcessed = int64(float64(st.BytesTotal) * st.Progress / 100)
		}
		if st.Progress >= 100 {
			st.Progress = 100
			st.Status = model.BackupCompleted
			st.Message = "Backup completed"
			st.Stage = nil
			if st.BytesTotal > 0 {
				st.BytesProcessed = st.BytesTotal
			}
		}
		changed = append(changed, *st)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].SiteID < changed[j].SiteID })
	return changed
}

// Fleet returns a timestamped sample of every node
func (s *Store) Fleet() model.FleetStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]model.NodeStats, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return model.FleetStats{Timestamp: s.now().UTC().Format(time.RFC3339), Nodes: nodes}
}

// Node returns one node's sample
func (s *Store) Node(id int) (*model.NodeStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	out := *n
	return &out, true
}

// SetNode replaces a node's sample
func (s *Store) SetNode(n model.NodeStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = &n
}
