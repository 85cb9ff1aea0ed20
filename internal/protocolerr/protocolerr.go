// Package protocolerr defines the closed set of wire-level error codes
// the protocol core can emit, per spec section 6.
package protocolerr

import "fmt"

// Code is one of the fixed error codes the core may surface to a peer.
type Code string

const (
	ProtocolViolation     Code = "PROTOCOL_VIOLATION"
	SeqViolation          Code = "SEQ_VIOLATION"
	FlowControlViolation  Code = "FLOW_CONTROL_VIOLATION"
	VersionIncompatible   Code = "VERSION_INCOMPATIBLE"
	RunLimitExceeded      Code = "RUN_LIMIT_EXCEEDED"
	ReplayTooOld          Code = "REPLAY_TOO_OLD"
	UnsupportedType       Code = "UNSUPPORTED_TYPE"
	ResumeFailed          Code = "RESUME_FAILED"
)

// Fatal reports whether an error of this code must close the session,
// per the propagation table in spec section 7.
func (c Code) Fatal() bool {
	switch c {
	case ProtocolViolation, SeqViolation, FlowControlViolation, VersionIncompatible, UnsupportedType:
		return true
	default:
		return false
	}
}

// Error is a protocol-level error carrying a stable wire code.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
