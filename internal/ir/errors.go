package ir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind separates fatal configuration problems from recoverable,
// per-call precondition failures.
type ErrorKind string

const (
	// KindConfiguration errors fail fast at construction.
	KindConfiguration ErrorKind = "configuration"

	// KindPrecondition errors halt one call and leave state untouched.
	KindPrecondition ErrorKind = "precondition"
)

// ErrorCode identifies the error category.
type ErrorCode string

const (
	CodeEmptyDimensionSet        ErrorCode = "EMPTY_DIMENSION_SET"
	CodeDuplicateDimension       ErrorCode = "DUPLICATE_DIMENSION"
	CodeIncompatibleDimensionSet ErrorCode = "INCOMPATIBLE_DIMENSION_SET"
	CodeInvalidPolicy            ErrorCode = "INVALID_POLICY"
	CodeInvalidLayout            ErrorCode = "INVALID_LAYOUT"
	CodeUnknownDimension         ErrorCode = "UNKNOWN_DIMENSION"
	CodeUnknownBranch            ErrorCode = "UNKNOWN_BRANCH"
	CodeDuplicateBranch          ErrorCode = "DUPLICATE_BRANCH"
	CodeInvalidBranchName        ErrorCode = "INVALID_BRANCH_NAME"
	CodeNotInitialized           ErrorCode = "NOT_INITIALIZED"
	CodeAlreadyInitialized       ErrorCode = "ALREADY_INITIALIZED"
	CodeAddressOverflow          ErrorCode = "ADDRESS_OVERFLOW"
	CodeRoutingLoop              ErrorCode = "ROUTING_LOOP"
	CodeCorruptSnapshot          ErrorCode = "CORRUPT_SNAPSHOT"
)

// Error is the structured error type shared by all blockstate packages.
//
// Two errors match under errors.Is when their codes are equal, so the
// package-level sentinels below can be compared against errors carrying
// call-specific details.
type Error struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Details[k])
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrEmptyDimensionSet        = &Error{Kind: KindConfiguration, Code: CodeEmptyDimensionSet, Message: "dimension set is empty"}
	ErrDuplicateDimension       = &Error{Kind: KindConfiguration, Code: CodeDuplicateDimension, Message: "dimension declared twice"}
	ErrIncompatibleDimensionSet = &Error{Kind: KindConfiguration, Code: CodeIncompatibleDimensionSet, Message: "peer dimension set does not match"}
	ErrInvalidPolicy            = &Error{Kind: KindConfiguration, Code: CodeInvalidPolicy, Message: "invalid consensus policy"}
	ErrInvalidLayout            = &Error{Kind: KindConfiguration, Code: CodeInvalidLayout, Message: "invalid address layout"}
	ErrUnknownDimension         = &Error{Kind: KindPrecondition, Code: CodeUnknownDimension, Message: "unknown dimension"}
	ErrUnknownBranch            = &Error{Kind: KindPrecondition, Code: CodeUnknownBranch, Message: "unknown branch"}
	ErrDuplicateBranch          = &Error{Kind: KindPrecondition, Code: CodeDuplicateBranch, Message: "branch already exists"}
	ErrInvalidBranchName        = &Error{Kind: KindPrecondition, Code: CodeInvalidBranchName, Message: "invalid branch name"}
	ErrNotInitialized           = &Error{Kind: KindPrecondition, Code: CodeNotInitialized, Message: "node state not initialized"}
	ErrAlreadyInitialized       = &Error{Kind: KindPrecondition, Code: CodeAlreadyInitialized, Message: "node state already initialized"}
	ErrAddressOverflow          = &Error{Kind: KindPrecondition, Code: CodeAddressOverflow, Message: "value does not fit address field"}
	ErrRoutingLoop              = &Error{Kind: KindPrecondition, Code: CodeRoutingLoop, Message: "message already visited this node"}
	ErrCorruptSnapshot          = &Error{Kind: KindPrecondition, Code: CodeCorruptSnapshot, Message: "combined digest does not verify"}
)

// Errorf builds an error that matches sentinel under errors.Is and carries
// call-specific details.
func Errorf(sentinel *Error, details map[string]string) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Details: details,
	}
}

// UnknownDimension reports a dimension name outside the configured set.
func UnknownDimension(d Dimension) *Error {
	return Errorf(ErrUnknownDimension, map[string]string{"dimension": string(d)})
}

// UnknownBranch reports a branch name with no bookkeeping entry.
func UnknownBranch(name string) *Error {
	return Errorf(ErrUnknownBranch, map[string]string{"branch": name})
}

// DuplicateBranch reports a fork name already in use.
func DuplicateBranch(name string) *Error {
	return Errorf(ErrDuplicateBranch, map[string]string{"branch": name})
}

// IncompatibleShape reports a peer whose dimension set differs from ours.
func IncompatibleShape(local, peer Digest) *Error {
	return Errorf(ErrIncompatibleDimensionSet, map[string]string{
		"local_shape": local.Short(),
		"peer_shape":  peer.Short(),
	})
}

// IsConfiguration returns true if err is a configuration error.
// Uses errors.As to handle wrapped errors.
func IsConfiguration(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindConfiguration
	}
	return false
}

// IsPrecondition returns true if err is a precondition error.
// Uses errors.As to handle wrapped errors.
func IsPrecondition(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindPrecondition
	}
	return false
}
