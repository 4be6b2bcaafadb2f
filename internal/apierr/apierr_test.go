package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromResponse(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		header http.Header
		body   string
		kind   Kind
	}{
		{"Unauthorized", 401, nil, `{"detail":"Could not validate credentials"}`, KindAuthInvalid},
		{"Forbidden", 403, nil, `{"detail":"Not enough permissions"}`, KindPermissionDenied},
		{"RateLimited", 429, http.Header{"Retry-After": {"30"}}, ``, KindRateLimited},
		{"ServerError", 502, nil, `<html>bad gateway</html>`, KindServerError},
		{"NotFound", 404, nil, `{"error":{"code":"NOT_FOUND","message":"Site not found"}}`, KindRequestFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			header := tc.header
			if header == nil {
				header = http.Header{}
			}
			err := FromResponse(tc.status, header, []byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestFromResponse_EmailNotVerified(t *testing.T) {
	body := `{"detail":{"code":"email_not_verified","message":"Verify your email","verification_token":"vt-1","user_id":7}}`
	err := FromResponse(http.StatusForbidden, http.Header{}, []byte(body))

	var denied *PermissionDenied
	require.True(t, errors.As(err, &denied))
	assert.True(t, denied.EmailNotVerified())
	assert.Equal(t, "vt-1", denied.VerificationToken)
	assert.Equal(t, 7, denied.UserID)
	assert.Equal(t, "Verify your email", denied.Message)
}

func TestFromResponse_ValidationList(t *testing.T) {
	body := `{"detail":[{"loc":["body","email"],"msg":"field required","type":"value_error.missing"}]}`
	err := FromResponse(http.StatusUnprocessableEntity, http.Header{}, []byte(body))

	var failed *RequestFailed
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "field required", failed.Message)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	assert.Equal(t, 12*time.Second, parseRetryAfter("12", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("fetch identity: %w", &AuthInvalid{})
	assert.True(t, IsAuthInvalid(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))

	tf := &TransportFailure{Op: "GET /users/me", Err: errors.New("connection refused")}
	assert.Contains(t, tf.Error(), "connection refused")
	assert.Equal(t, KindTransportFailure, KindOf(tf))
}
