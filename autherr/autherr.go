// Package autherr defines the stable failure identifiers surfaced by the
// authentication core.
package autherr

import "errors"

// Code is a machine-readable error identifier.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Provider verification
	CodeUnsupportedProvider  Code = "UNSUPPORTED_PROVIDER"
	CodeInvalidProviderToken Code = "INVALID_PROVIDER_TOKEN"
	CodeTokenExchangeFailed  Code = "TOKEN_EXCHANGE_FAILED"
	CodeUserInfoFetchFailed  Code = "USER_INFO_FETCH_FAILED"
	CodeAppIDMismatch        Code = "APP_ID_MISMATCH"
	CodeUserKeyMissing       Code = "USER_KEY_MISSING"
	CodeKeyFetchFailed       Code = "KEY_FETCH_FAILED"
	CodeKeyNotFound          Code = "KEY_NOT_FOUND"
	CodeKeyTypeInvalid       Code = "KEY_TYPE_INVALID"
	CodeSignatureInvalid     Code = "SIGNATURE_INVALID"
	CodeIssuerMismatch       Code = "ISSUER_MISMATCH"
	CodeAudienceMismatch     Code = "AUDIENCE_MISMATCH"

	// Session tokens
	CodeMissingBearerToken           Code = "MISSING_BEARER_TOKEN"
	CodeTokenTypeMismatch            Code = "TOKEN_TYPE_MISMATCH"
	CodeTokenSignatureInvalid        Code = "TOKEN_SIGNATURE_INVALID"
	CodeAccessTokenSignatureInvalid  Code = "ACCESS_TOKEN_SIGNATURE_INVALID"
	CodeRefreshTokenSignatureInvalid Code = "REFRESH_TOKEN_SIGNATURE_INVALID"
	CodeTokenRevoked                 Code = "TOKEN_REVOKED"

	// Request boundary
	CodeInvalidRequest Code = "INVALID_REQUEST"
)

// Error carries a Code alongside an optional wrapped cause. The cause is kept
// for logs; only Code and Message are meant for callers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code. The kind-specific session token
// signature codes also match the generic TOKEN_SIGNATURE_INVALID class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return t.Code == CodeTokenSignatureInvalid &&
		(e.Code == CodeAccessTokenSignatureInvalid || e.Code == CodeRefreshTokenSignatureInvalid)
}

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap returns an error with the given code that wraps cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Err: cause}
}

// CodeOf extracts the code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// MessageOf extracts the caller-facing message from err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

var (
	ErrUnsupportedProvider  = New(CodeUnsupportedProvider, "unsupported provider")
	ErrInvalidProviderToken = New(CodeInvalidProviderToken, "invalid provider token")
	ErrTokenExchangeFailed  = New(CodeTokenExchangeFailed, "token exchange failed")
	ErrUserInfoFetchFailed  = New(CodeUserInfoFetchFailed, "user info fetch failed")
	ErrAppIDMismatch        = New(CodeAppIDMismatch, "app id mismatch")
	ErrUserKeyMissing       = New(CodeUserKeyMissing, "provider user key missing")
	ErrKeyFetchFailed       = New(CodeKeyFetchFailed, "key set fetch failed")
	ErrKeyNotFound          = New(CodeKeyNotFound, "signing key not found")
	ErrKeyTypeInvalid       = New(CodeKeyTypeInvalid, "signing key type invalid")
	ErrSignatureInvalid     = New(CodeSignatureInvalid, "signature invalid")
	ErrIssuerMismatch       = New(CodeIssuerMismatch, "issuer mismatch")
	ErrAudienceMismatch     = New(CodeAudienceMismatch, "audience mismatch")

	ErrMissingBearerToken           = New(CodeMissingBearerToken, "Bearer Token is missing")
	ErrTokenTypeMismatch            = New(CodeTokenTypeMismatch, "token type mismatch")
	ErrTokenSignatureInvalid        = New(CodeTokenSignatureInvalid, "token signature invalid")
	ErrAccessTokenSignatureInvalid  = New(CodeAccessTokenSignatureInvalid, "access token invalid")
	ErrRefreshTokenSignatureInvalid = New(CodeRefreshTokenSignatureInvalid, "refresh token invalid")
	ErrTokenRevoked                 = New(CodeTokenRevoked, "token revoked")

	ErrInvalidRequest = New(CodeInvalidRequest, "invalid request")
)
