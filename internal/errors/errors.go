// Package errors provides structured error types for rollout.
// It classifies failures so the HTTP and chat surfaces can react to them.
package errors

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind represents the category of an error.
type Kind uint8

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown Kind = iota
	// KindConfig indicates a configuration error, such as a project without a policy.
	KindConfig
	// KindNotFound indicates a release, project or upstream object was not found.
	KindNotFound
	// KindConflict indicates a concurrent writer changed a record between read and write.
	KindConflict
	// KindTimeout indicates a bounded wait expired.
	KindTimeout
	// KindTooLate indicates a release has progressed past the point the operation allows.
	KindTooLate
	// KindUpstream indicates an upstream system returned data violating its contract.
	KindUpstream
	// KindPolicy indicates a release policy rejected its input.
	KindPolicy
	// KindValidation indicates invalid user input.
	KindValidation
	// KindNetwork indicates a transport failure talking to an upstream.
	KindNetwork
	// KindState indicates an invalid lifecycle state change.
	KindState
	// KindStore indicates a persistence failure.
	KindStore
	// KindInternal indicates an internal error.
	KindInternal
)

var kindNames = [...]string{
	KindUnknown:    "unknown",
	KindConfig:     "configuration",
	KindNotFound:   "not_found",
	KindConflict:   "concurrency_conflict",
	KindTimeout:    "timeout",
	KindTooLate:    "too_late",
	KindUpstream:   "upstream_contract",
	KindPolicy:     "policy",
	KindValidation: "validation",
	KindNetwork:    "network",
	KindState:      "state",
	KindStore:      "store",
	KindInternal:   "internal",
}

// String returns the snake_case name used in API error codes.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Error is the standard error type for rollout.
type Error struct {
	// Kind is the category of the error.
	Kind Kind
	// Op is the operation being performed when the error occurred.
	Op string
	// Message is a human-readable error message.
	Message string
	// Err is the underlying error.
	Err error
	// Recoverable indicates if retrying the operation may succeed.
	Recoverable bool
	// Details contains additional context about the error.
	Details map[string]any
}

// Error joins the operation, message and cause with ": ".
func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	parts = append(parts, e.Message)
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches this error.
// A target without Op matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Op == t.Op
}

// WithDetail adds a single detail to the error and returns the modified error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New returns an error of kind without an operation.
func New(kind Kind, message string) *Error { return opError(kind, "", message) }

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind, op and message to err.
func Wrap(err error, kind Kind, op string, message string) *Error {
	e := opError(kind, op, message)
	e.Err = err
	return e
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, op string, format string, args ...any) *Error {
	return Wrap(err, kind, op, fmt.Sprintf(format, args...))
}

// GetKind returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is of kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsRecoverable reports whether retrying may succeed.
func IsRecoverable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Recoverable
}

func opError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func recoverable(e *Error) *Error {
	e.Recoverable = true
	return e
}

// Config reports missing or inconsistent configuration, such as a project
// without a policy.
func Config(op, message string) *Error { return opError(KindConfig, op, message) }

// ConfigWrap wraps err as a configuration error.
func ConfigWrap(err error, op, message string) *Error { return Wrap(err, KindConfig, op, message) }

// NotFound reports an absent release, tag or merge request.
func NotFound(op, message string) *Error { return opError(KindNotFound, op, message) }

// NotFoundWrap wraps err as a not found error.
func NotFoundWrap(err error, op, message string) *Error { return Wrap(err, KindNotFound, op, message) }

// Conflict reports a record changed between read and write.
func Conflict(op, message string) *Error { return opError(KindConflict, op, message) }

// Timeout reports an expired deadline.
func Timeout(op, message string) *Error { return opError(KindTimeout, op, message) }

// TooLate reports an operation attempted after its window closed.
func TooLate(op, message string) *Error { return opError(KindTooLate, op, message) }

// UpstreamContract reports upstream data that breaks its contract.
func UpstreamContract(op, message string) *Error { return opError(KindUpstream, op, message) }

// Policy reports input a release policy cannot handle.
func Policy(op, message string) *Error { return opError(KindPolicy, op, message) }

// Validation reports invalid user input. The user can retry with a fix.
func Validation(op, message string) *Error {
	return recoverable(opError(KindValidation, op, message))
}

// Network reports a transport failure.
func Network(op, message string) *Error { return recoverable(opError(KindNetwork, op, message)) }

// NetworkWrap wraps err as a network error.
func NetworkWrap(err error, op, message string) *Error {
	return recoverable(Wrap(err, KindNetwork, op, message))
}

// State reports an invalid lifecycle change.
func State(op, message string) *Error { return opError(KindState, op, message) }

// StoreWrap wraps err as a persistence error.
func StoreWrap(err error, op, message string) *Error { return Wrap(err, KindStore, op, message) }

// Internal reports a bug.
func Internal(op, message string) *Error { return opError(KindInternal, op, message) }

// InternalWrap wraps err as an internal error.
func InternalWrap(err error, op, message string) *Error { return Wrap(err, KindInternal, op, message) }

// Tokens for GitLab and Slack show up in upstream error bodies and request dumps.
var sensitivePatterns = []*regexp.Regexp{
	// GitLab personal, project and group access tokens.
	regexp.MustCompile(`\bglpat-[a-zA-Z0-9_-]{20,}\b`),
	// GitLab pipeline trigger and deploy tokens.
	regexp.MustCompile(`\bgl(?:ptt|dt|rt)-[a-zA-Z0-9_-]{20,}\b`),
	// Slack bot, user and app tokens.
	regexp.MustCompile(`\bxox[abposr]-[a-zA-Z0-9-]{10,}\b`),
	// Slack incoming webhook URLs.
	regexp.MustCompile(`\bhttps://hooks\.slack\.com/services/[A-Z0-9]+/[A-Z0-9]+/[a-zA-Z0-9]+\b`),
	regexp.MustCompile(`\bBearer\s+[a-zA-Z0-9_.-]{20,}\b`),
	// Basic auth with password in URL.
	regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`),
}

// RedactSensitive removes tokens and credentials from s.
func RedactSensitive(s string) string {
	result := s
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// RedactError creates a new error with sensitive data redacted from its message.
// If the error is nil, returns nil.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	redacted := RedactSensitive(err.Error())
	if redacted == err.Error() {
		return err
	}
	return fmt.Errorf("%s", redacted)
}

// WrapSafe wraps an error with sensitive data redacted.
// Use it for errors coming back from GitLab or Slack clients.
func WrapSafe(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return &Error{Kind: kind, Op: op, Message: message}
	}
	return Wrap(RedactError(err), kind, op, message)
}

// IsSensitive checks if a string contains sensitive patterns.
func IsSensitive(s string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(s) {
			return true
		}
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "secret") ||
		strings.Contains(lower, "password") ||
		strings.Contains(lower, "token")
}
