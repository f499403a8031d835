package enforcement

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies why a request did not reach its handler.
type Code string

const (
	CodeInvalidSignature      Code = "INVALID_SIGNATURE"
	CodeSessionExpired        Code = "SESSION_EXPIRED"
	CodeSessionRevoked        Code = "SESSION_REVOKED"
	CodePassportRevoked       Code = "PASSPORT_REVOKED"
	CodePassportExpired       Code = "PASSPORT_EXPIRED"
	CodeScopeForbidden        Code = "SCOPE_FORBIDDEN"
	CodeServiceForbidden      Code = "SERVICE_FORBIDDEN"
	CodePerCallBudgetExceeded Code = "PER_CALL_BUDGET_EXCEEDED"
	CodeDailyBudgetExceeded   Code = "DAILY_BUDGET_EXCEEDED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeReplayNonce           Code = "REPLAY_NONCE"
	CodePaymentRequired       Code = "PAYMENT_REQUIRED"
	CodePaymentInvalid        Code = "PAYMENT_INVALID"
	CodePaymentLayerError     Code = "PAYMENT_LAYER_ERROR"
)

// Status returns the HTTP status for c.
func (c Code) Status() int {
	switch c {
	case CodeInvalidSignature, CodeSessionExpired, CodeSessionRevoked:
		return http.StatusUnauthorized
	case CodePassportRevoked, CodePassportExpired, CodeScopeForbidden, CodeServiceForbidden,
		CodePerCallBudgetExceeded, CodeDailyBudgetExceeded:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeReplayNonce:
		return http.StatusConflict
	case CodePaymentRequired, CodePaymentInvalid:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Failure is a typed rejection. It is a value, not an error path: the
// orchestrator returns it inside Blocked.
type Failure struct {
	StatusCode int    `json:"statusCode"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	ActionID   string `json:"actionId"`
	RouteID    string `json:"routeId"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// ErrUnknownRoute is returned when a request resolves to a route with no policy.
var ErrUnknownRoute = errors.New("no policy registered for route")

// Fault is an internal error raised while enforcing an action. The cause is
// logged; clients see only PAYMENT_LAYER_ERROR.
type Fault struct {
	ActionID string
	RouteID  string
	Step     string
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("enforcement %s failed for action %s: %v", f.Step, f.ActionID, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
