package exchange

import (
	"errors"
	"fmt"
)

// Exchange error codes surfaced by the API-NG envelope. Retry and
// re-authentication decisions branch on these codes, never on message text.
const (
	CodeInvalidSession     = "INVALID_SESSION_INFORMATION"
	CodeNoSession          = "NO_SESSION"
	CodeNoAppKey           = "NO_APP_KEY"
	CodeInvalidAppKey      = "INVALID_APP_KEY"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeTemporaryBan       = "TEMPORARY_BAN_TOO_MANY_REQUESTS"
	CodeTimeoutExceeded    = "TIMEOUT_EXCEEDED"
	CodeServiceBusy        = "SERVICE_BUSY"
	CodeUnexpectedError    = "UNEXPECTED_ERROR"
	CodeInvalidCredentials = "INVALID_USERNAME_OR_PASSWORD"
	CodeAccountLocked      = "ACCOUNT_NOW_LOCKED"
)

// APIError is a typed exchange failure carrying the error code from the
// RPC envelope or the identity endpoint.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("exchange: %s", e.Code)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Code, e.Message)
}

func apiCode(err error) string {
	var api *APIError
	if errors.As(err, &api) {
		return api.Code
	}
	return ""
}

// IsInvalidSession reports whether the call failed because the session
// token is missing, expired or revoked.
func IsInvalidSession(err error) bool {
	switch apiCode(err) {
	case CodeInvalidSession, CodeNoSession:
		return true
	}
	return false
}

// IsBanned reports whether the account has been temporarily banned and
// login attempts should pause for the cool-down period.
func IsBanned(err error) bool {
	switch apiCode(err) {
	case CodeTemporaryBan, CodeAccountLocked:
		return true
	}
	return false
}

// IsRateLimited reports a throttling response short of a ban.
func IsRateLimited(err error) bool {
	return apiCode(err) == CodeTooManyRequests
}
