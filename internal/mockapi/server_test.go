package mockapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/backupdesk/backupdesk/internal/model"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Options{BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func call(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func login(t *testing.T, ts *httptest.Server, email, password string) model.TokenResponse {
	t.Helper()
	resp, body := call(t, ts, http.MethodPost, "/auth/login", "", model.LoginRequest{Username: email, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out model.TokenResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestLogin(t *testing.T) {
	_, ts := newTestServer(t)

	t.Run("valid credentials", func(t *testing.T) {
		out := login(t, ts, AdminEmail, AdminPassword)
		assert.NotEmpty(t, out.AccessToken)
		assert.Equal(t, "bearer", out.TokenType)
		assert.False(t, out.MFARequired)
	})

	t.Run("wrong password", func(t *testing.T) {
		resp, body := call(t, ts, http.MethodPost, "/auth/login", "",
			model.LoginRequest{Username: AdminEmail, Password: "nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.JSONEq(t, `{"detail":"Incorrect email or password"}`, string(body))
	})

	t.Run("missing field", func(t *testing.T) {
		resp, body := call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{"username": AdminEmail})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, string(body), "field required")
	})

	t.Run("unverified account", func(t *testing.T) {
		resp, body := call(t, ts, http.MethodPost, "/auth/login", "",
			model.LoginRequest{Username: PendingEmail, Password: PendingPassword})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)

		var payload struct {
			Detail struct {
				Code              string `json:"code"`
				VerificationToken string `json:"verification_token"`
				UserID            int    `json:"user_id"`
			} `json:"detail"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "email_not_verified", payload.Detail.Code)
		assert.NotEmpty(t, payload.Detail.VerificationToken)
		assert.NotZero(t, payload.Detail.UserID)
	})
}

func TestMFAFlow(t *testing.T) {
	_, ts := newTestServer(t)

	challenge := login(t, ts, OperatorEmail, OperatorPassword)
	require.True(t, challenge.MFARequired)
	require.NotEmpty(t, challenge.MFAToken)
	assert.Empty(t, challenge.AccessToken)

	resp, _ := call(t, ts, http.MethodPost, "/auth/mfa/verify", "",
		model.MFAVerifyRequest{MFAToken: challenge.MFAToken, Code: "000000"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := call(t, ts, http.MethodPost, "/auth/mfa/verify", "",
		model.MFAVerifyRequest{MFAToken: challenge.MFAToken, Code: OperatorMFACode})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.TokenResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.AccessToken)

	// single use
	resp, _ = call(t, ts, http.MethodPost, "/auth/mfa/verify", "",
		model.MFAVerifyRequest{MFAToken: challenge.MFAToken, Code: OperatorMFACode})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMagicLink(t *testing.T) {
	srv, ts := newTestServer(t)

	resp, body := call(t, ts, http.MethodPost, "/auth/magic-link", "", model.MagicLinkRequest{Email: AdminEmail})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"success":true`)

	resp, _ = call(t, ts, http.MethodPost, "/auth/magic-link", "", model.MagicLinkRequest{Email: "ghost@example.com"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, ok := srv.Store().MagicLink(AdminEmail)
	require.True(t, ok)

	resp, _ = call(t, ts, http.MethodGet, "/auth/magic-link/"+token, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodGet, "/auth/magic-link/"+token, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterAndVerify(t *testing.T) {
	_, ts := newTestServer(t)

	name := "New Person"
	resp, body := call(t, ts, http.MethodPost, "/auth/register", "",
		model.RegisterRequest{Email: "new@example.com", Password: "long-enough", FullName: &name})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = call(t, ts, http.MethodPost, "/auth/register", "",
		model.RegisterRequest{Email: "NEW@example.com", Password: "long-enough"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = call(t, ts, http.MethodPost, "/auth/register", "",
		model.RegisterRequest{Email: "not-an-email", Password: "short"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "valid email")

	// the unverified login answer carries the code needed to verify
	resp, body = call(t, ts, http.MethodPost, "/auth/login", "",
		model.LoginRequest{Username: "new@example.com", Password: "long-enough"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var payload struct {
		Detail struct {
			VerificationToken string `json:"verification_token"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))

	resp, _ = call(t, ts, http.MethodPost, "/auth/verify-email", "",
		model.VerifyEmailRequest{Code: payload.Detail.VerificationToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	login(t, ts, "new@example.com", "long-enough")

	resp, _ = call(t, ts, http.MethodPost, "/auth/verify-email", "",
		model.VerifyEmailRequest{Code: payload.Detail.VerificationToken})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsersMe(t *testing.T) {
	srv, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	resp, body := call(t, ts, http.MethodGet, "/users/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me model.User
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, AdminEmail, me.Email)
	assert.Equal(t, model.RoleSuperAdmin, me.Role)
	assert.Equal(t, []int{1, 2, 3}, me.AssignedSites)

	newEmail := "root@backupdesk.local"
	resp, body = call(t, ts, http.MethodPut, "/users/me", token, model.UserUpdate{Email: &newEmail})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, AdminEmail, me.Email)
	require.NotNil(t, me.PendingEmail)
	assert.Equal(t, newEmail, *me.PendingEmail)

	taken := OperatorEmail
	resp, _ = call(t, ts, http.MethodPut, "/users/me", token, model.UserUpdate{Email: &taken})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodGet, "/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	srv.Revoke(token)
	resp, body = call(t, ts, http.MethodGet, "/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "Could not validate credentials")
}

func TestRefresh(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	resp, body := call(t, ts, http.MethodPost, "/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.TokenResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.AccessToken)

	resp, _ = call(t, ts, http.MethodPost, "/auth/refresh", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBackupStatusAndFleet(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	resp, body := call(t, ts, http.MethodGet, "/sites/1/backup/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status model.BackupStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, model.BackupRunning, status.Status)
	assert.Equal(t, 40.0, status.Progress)

	resp, body = call(t, ts, http.MethodGet, "/sites/99/backup/status", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"code":"NOT_FOUND"`)

	resp, _ = call(t, ts, http.MethodGet, "/sites/abc/backup/status", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = call(t, ts, http.MethodGet, "/metrics/nodes/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fleet model.FleetStats
	require.NoError(t, json.Unmarshal(body, &fleet))
	assert.Len(t, fleet.Nodes, 3)
	assert.True(t, fleet.Nodes[0].IsMaster)
}

func TestFailureInjection(t *testing.T) {
	srv, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	srv.Fail("/sites/1", http.StatusTooManyRequests, 1)

	resp, _ := call(t, ts, http.MethodGet, "/sites/1/backup/status", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp, _ = call(t, ts, http.MethodGet, "/sites/1/backup/status", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.Fail("/users", http.StatusBadGateway, -1)
	for range 3 {
		resp, _ = call(t, ts, http.MethodGet, "/users/me", token, nil)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	srv.ClearFaults()
	resp, _ = call(t, ts, http.MethodGet, "/users/me", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 2, srv.Requests("/sites/1"))
	assert.Equal(t, 4, srv.Requests("/users/me"))
}

// readEvents collects SSE data payloads until the stream ends
func readEvents(t *testing.T, resp *http.Response, out chan<- string) {
	t.Helper()
	defer close(out)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			out <- data
		}
	}
}

func nextEvent(t *testing.T, events <-chan string) string {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return ""
	}
}

func TestBackupStreamSSE(t *testing.T) {
	srv, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/daemon/backup/stream/1?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go readEvents(t, resp, events)

	assert.JSONEq(t, `{"event":"connected"}`, nextEvent(t, events))
	assert.Contains(t, nextEvent(t, events), `"progress":40`)
	assert.Equal(t, 1, srv.OpenStreams("/daemon/backup/stream/1"))

	srv.SetStatus(model.BackupStatus{SiteID: 1, Status: model.BackupRunning, Progress: 75})
	assert.Contains(t, nextEvent(t, events), `"progress":75`)

	srv.SetStatus(model.BackupStatus{SiteID: 1, Status: model.BackupCompleted, Progress: 100})
	assert.Contains(t, nextEvent(t, events), `"status":"completed"`)

	_, open := <-events
	assert.False(t, open, "stream should end after a terminal status")
	assert.Eventually(t, func() bool { return srv.OpenStreams("/daemon") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackupStreamRequiresToken(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/daemon/backup/stream/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFleetStreamWebSocket(t *testing.T) {
	srv, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/metrics/nodes/stats/stream?interval=60"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	defer conn.Close()

	read := func() string {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	assert.JSONEq(t, `{"event":"connected"}`, read())

	var fleet model.FleetStats
	require.NoError(t, json.Unmarshal([]byte(read()), &fleet))
	assert.Len(t, fleet.Nodes, 3)

	cpu := 99.0
	srv.SetNode(model.NodeStats{ID: 2, Hostname: "node-2", Status: model.NodeOnline, CPUPercent: &cpu})
	require.NoError(t, json.Unmarshal([]byte(read()), &fleet))
	require.NotNil(t, fleet.Nodes[1].CPUPercent)
	assert.Equal(t, 99.0, *fleet.Nodes[1].CPUPercent)

	srv.DropStreams()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestNodeStream(t *testing.T) {
	_, ts := newTestServer(t)
	token := login(t, ts, AdminEmail, AdminPassword).AccessToken

	resp, err := http.Get(ts.URL + "/api/v1/metrics/nodes/42/stats/stream?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/metrics/nodes/1/stats/stream?interval=60&token="+token, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan string, 16)
	go readEvents(t, resp, events)

	nextEvent(t, events)
	var fleet model.FleetStats
	require.NoError(t, json.Unmarshal([]byte(nextEvent(t, events)), &fleet))
	require.Len(t, fleet.Nodes, 1)
	assert.Equal(t, "node-1", fleet.Nodes[0].Hostname)
}

func TestSimulateCompletesJobs(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Simulate(ctx, 5*time.Millisecond, 30)

	assert.Eventually(t, func() bool {
		st, ok := srv.Store().SiteStatus(1)
		return ok && st.Status == model.BackupCompleted && st.Progress == 100
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
