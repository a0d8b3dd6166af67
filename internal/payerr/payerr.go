package payerr

import (
	"errors"
	"fmt"
)

// Error codes for the callback processing pipeline. Verification and
// validation codes are terminal for a request; LockTimeout and
// ProcessingInFlight are transient and answered so the gateway retries.
const (
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeRateLimited          = "RATE_LIMITED"
	CodeLockTimeout          = "LOCK_TIMEOUT"
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeInvalidCurrency      = "INVALID_CURRENCY"
	CodeUnknownOrder         = "UNKNOWN_ORDER"
	CodeUnknownGateway       = "UNKNOWN_GATEWAY"
	CodeAlreadyFinalized     = "ALREADY_FINALIZED"
	CodeProcessingInFlight   = "PROCESSING_IN_FLIGHT"
	CodeNotificationFailed   = "NOTIFICATION_DELIVERY_FAILED"
	CodeMalformedCallback    = "MALFORMED_CALLBACK"
	CodeGatewayAPIError      = "GATEWAY_API_ERROR"
	CodeInvalidStateChange   = "INVALID_STATE_CHANGE"
)

type E struct {
	ErrCode string
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.ErrCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func New(code, msg string) error {
	return &E{ErrCode: code, Message: msg}
}

func Newf(code, format string, args ...any) error {
	return &E{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code, msg string, err error) error {
	return &E{ErrCode: code, Message: msg, Err: err}
}

// Code extracts the error code, or "" for non-coded errors.
func Code(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return ""
}

func Is(err error, code string) bool {
	return Code(err) == code
}

// Transient reports whether the gateway should retry the callback later.
func Transient(err error) bool {
	switch Code(err) {
	case CodeLockTimeout, CodeProcessingInFlight:
		return true
	}
	return false
}
