// Package apierr defines the closed set of failures the console can observe
// from the backup API. Responses are decoded into these variants once, at the
// transport boundary; callers inspect them with errors.As.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags each failure variant
type Kind string

const (
	KindAuthInvalid        Kind = "auth_invalid"
	KindPermissionDenied   Kind = "permission_denied"
	KindRateLimited        Kind = "rate_limited"
	KindServerError        Kind = "server_error"
	KindRequestFailed      Kind = "request_failed"
	KindMFARequired        Kind = "mfa_required"
	KindTransportFailure   Kind = "transport_failure"
	KindDecodeFailure      Kind = "decode_failure"
	KindTokenDecodeFailure Kind = "token_decode_failure"
	KindUnknown            Kind = "unknown"
)

// CodeEmailNotVerified is the 403 sub-case that opens the verification flow
const CodeEmailNotVerified = "email_not_verified"

// Error is implemented by every variant in this package
type Error interface {
	error
	Kind() Kind
}

// AuthInvalid is a 401: the credential is missing, expired or revoked
type AuthInvalid struct {
	Message string
}

func (e *AuthInvalid) Error() string {
	if e.Message == "" {
		return "authentication required"
	}
	return "authentication required: " + e.Message
}

func (e *AuthInvalid) Kind() Kind { return KindAuthInvalid }

// PermissionDenied is a 403. EmailNotVerified requests carry the data the
// verification flow needs.
type PermissionDenied struct {
	Code              string
	Message           string
	VerificationToken string
	UserID            int
}

func (e *PermissionDenied) Error() string {
	if e.Message == "" {
		return "permission denied"
	}
	return "permission denied: " + e.Message
}

func (e *PermissionDenied) Kind() Kind { return KindPermissionDenied }

// EmailNotVerified reports whether the denial is the unverified-email sub-case
func (e *PermissionDenied) EmailNotVerified() bool {
	return e.Code == CodeEmailNotVerified
}

// RateLimited is a 429. RetryAfter is zero when the server gave no hint.
type RateLimited struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimited) Kind() Kind { return KindRateLimited }

// ServerError is any 5xx response
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error (%d)", e.Status)
	}
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func (e *ServerError) Kind() Kind { return KindServerError }

// RequestFailed covers the remaining 4xx responses (validation, not found, conflict)
type RequestFailed struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestFailed) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed (%d)", e.Status)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

func (e *RequestFailed) Kind() Kind { return KindRequestFailed }

// MFARequired is returned by login when a second factor must be verified
type MFARequired struct {
	MFAToken string
}

func (e *MFARequired) Error() string { return "multi-factor verification required" }

func (e *MFARequired) Kind() Kind { return KindMFARequired }

// TransportFailure is a network-level failure: refused, reset, dropped stream
type TransportFailure struct {
	Op  string
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

func (e *TransportFailure) Kind() Kind { return KindTransportFailure }

// DecodeFailure is a response or push payload that is not valid JSON for its type
type DecodeFailure struct {
	Err error
}

func (e *DecodeFailure) Error() string {
	return fmt.Sprintf("malformed payload: %v", e.Err)
}

func (e *DecodeFailure) Unwrap() error { return e.Err }

func (e *DecodeFailure) Kind() Kind { return KindDecodeFailure }

// TokenDecodeFailure means the credential's expiry claim could not be read
type TokenDecodeFailure struct {
	Err error
}

func (e *TokenDecodeFailure) Error() string {
	return fmt.Sprintf("undecodable token: %v", e.Err)
}

func (e *TokenDecodeFailure) Unwrap() error { return e.Err }

func (e *TokenDecodeFailure) Kind() Kind { return KindTokenDecodeFailure }

// KindOf returns the variant tag of err, or KindUnknown
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnknown
}

// IsAuthInvalid reports whether err is (or wraps) a 401
func IsAuthInvalid(err error) bool {
	return KindOf(err) == KindAuthInvalid
}
