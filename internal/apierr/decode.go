package apierr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// errorPayload accepts the shapes the API produces:
//
//	{"detail": "message"}
//	{"detail": {"code": "...", "message": "...", "verification_token": "...", "user_id": 1}}
//	{"error": {"code": "...", "message": "..."}}
type errorPayload struct {
	Detail json.RawMessage `json:"detail"`
	Error  *errorDetail    `json:"error"`
}

type errorDetail struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Msg               string `json:"msg"`
	VerificationToken string `json:"verification_token"`
	UserID            int    `json:"user_id"`
}

// FromResponse maps a non-2xx response onto its variant. body may be empty or
// not JSON; the status code alone then decides the variant.
func FromResponse(status int, header http.Header, body []byte) error {
	detail := parseDetail(body)

	switch {
	case status == http.StatusUnauthorized:
		return &AuthInvalid{Message: detail.message()}
	case status == http.StatusForbidden:
		return &PermissionDenied{
			Code:              detail.Code,
			Message:           detail.message(),
			VerificationToken: detail.VerificationToken,
			UserID:            detail.UserID,
		}
	case status == http.StatusTooManyRequests:
		return &RateLimited{
			Message:    detail.message(),
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()),
		}
	case status >= 500:
		return &ServerError{Status: status, Message: detail.message()}
	default:
		return &RequestFailed{Status: status, Code: detail.Code, Message: detail.message()}
	}
}

func (d errorDetail) message() string {
	if d.Message != "" {
		return d.Message
	}
	return d.Msg
}

func parseDetail(body []byte) errorDetail {
	var payload errorPayload
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return errorDetail{Message: strings.TrimSpace(string(body))}
	}

	if payload.Error != nil {
		return *payload.Error
	}

	if len(payload.Detail) == 0 {
		return errorDetail{}
	}

	var text string
	if err := json.Unmarshal(payload.Detail, &text); err == nil {
		return errorDetail{Message: text}
	}

	var detail errorDetail
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		return detail
	}

	// FastAPI validation errors: a list of {loc, msg, type}
	var list []errorDetail
	if err := json.Unmarshal(payload.Detail, &list); err == nil && len(list) > 0 {
		return list[0]
	}

	return errorDetail{}
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
