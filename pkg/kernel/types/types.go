// Package types holds the data shared across the runbook kernel: the
// request-scoped context a caller carries in, and the execution record
// every operation produces.
package types

import "time"

// Kind enumerates the error kinds the kernel raises to its caller (spec §7).
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindBadFilename            Kind = "bad_filename"
	KindValidationFailed       Kind = "validation_failed"
	KindAuthorizationDenied    Kind = "authorization_denied"
	KindRecursionDetected      Kind = "recursion_detected"
	KindRecursionDepthExceeded Kind = "recursion_depth_exceeded"
	KindInvalidEnvVarName      Kind = "invalid_env_var_name"
	KindScriptTimeout          Kind = "script_timeout"
	KindInternal               Kind = "internal"
)

// Error is the kernel's classified error type. Every error the kernel
// returns to a caller that should be mapped to a transport status code
// is one of these.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a classified error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ClaimSet maps a claim name to the ordered list of values it allows, or
// (on a token) the values the caller actually holds.
type ClaimSet map[string][]string

// TokenContext is the evaluated request principal. The kernel treats it
// as an opaque, read-only input assembled by the transport layer.
type TokenContext struct {
	Subject    string
	Claims     ClaimSet
	RawBearer  string
	RemoteAddr string
}

// Breadcrumb is per-request metadata threaded through an operation.
type Breadcrumb struct {
	ReceivedAt     time.Time
	UserID         string
	RemoteAddr     string
	CorrelationID  string
	RecursionStack []string
}

// ConfigItem is a single named configuration value captured for audit.
type ConfigItem struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Source string `json:"source"`
	Secret bool   `json:"-"`
}

// Operation names the two operations that produce an execution record.
type Operation string

const (
	OperationValidate Operation = "validate"
	OperationExecute  Operation = "execute"
)

// ExecutionRecord is the canonical audit object produced by every
// validate/execute operation (spec §3).
type ExecutionRecord struct {
	Start        time.Time     `json:"start"`
	Finish       time.Time     `json:"finish"`
	ReturnCode   int           `json:"return_code"`
	Operation    Operation     `json:"operation"`
	Runbook      string        `json:"runbook"`
	Breadcrumb   Breadcrumb    `json:"breadcrumb"`
	ConfigItems  []ConfigItem  `json:"config_items,omitempty"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	Errors       []string      `json:"errors,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Success      bool          `json:"success"`
}

// ReservedAuthorizationDeniedCode is the return_code recorded when an
// operation is rejected by the Authorizer. Documented at 403 to match
// the transport mapping table in spec §7 exactly (see SPEC_FULL.md,
// "Open Questions Resolved").
const ReservedAuthorizationDeniedCode = 403

// ReservedScriptTimeoutCode is the return_code recorded when the
// Executor terminates a script for running past its deadline.
const ReservedScriptTimeoutCode = 124
