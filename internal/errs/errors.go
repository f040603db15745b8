// Package errs defines the error taxonomy shared by the definition loader,
// the template compiler and the executors.
//
// Errors are typed structs carrying a Code so callers can branch with the
// IsX helpers, which use errors.As and therefore see through wrapping.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes errors raised by sqlmap.
type Code string

const (
	// CodeUnknownElement indicates a tag with no template handler.
	CodeUnknownElement Code = "UNKNOWN_ELEMENT"

	// CodeMalformedBindMarker indicates a #{...} marker that cannot be parsed.
	CodeMalformedBindMarker Code = "MALFORMED_BIND_MARKER"

	// CodeDuplicateDefault indicates more than one otherwise branch in a choose.
	CodeDuplicateDefault Code = "DUPLICATE_DEFAULT"

	// CodeDuplicateVariable indicates a property declared twice in one include.
	CodeDuplicateVariable Code = "DUPLICATE_VARIABLE"

	// CodeInvalidDefinition covers structural problems in a definition file.
	CodeInvalidDefinition Code = "INVALID_DEFINITION"

	// CodeIncludeDepth indicates include expansion nested too deeply (usually a cycle).
	CodeIncludeDepth Code = "INCLUDE_DEPTH"

	// CodeUnresolvedReference indicates a named dependency that never appeared.
	CodeUnresolvedReference Code = "UNRESOLVED_REFERENCE"

	// CodeCacheProtocol indicates caching was requested where it is unsafe.
	CodeCacheProtocol Code = "CACHE_PROTOCOL"

	// CodeNotFound indicates a lookup of a name that was never registered.
	CodeNotFound Code = "NOT_FOUND"

	// CodeExecution wraps errors returned by the database driver.
	CodeExecution Code = "EXECUTION"
)

// CompileError is a fatal problem found while compiling a definition.
// It is never retried.
type CompileError struct {
	Code      Code
	Message   string
	Source    string // definition file
	Statement string // qualified statement or fragment id
	Line      int
}

func (e *CompileError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		b.WriteString(e.Source)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
		}
		b.WriteString(": ")
	}
	if e.Statement != "" {
		b.WriteString(e.Statement)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	return b.String()
}

// NewCompileError creates a CompileError with a formatted message.
func NewCompileError(code Code, format string, args ...any) *CompileError {
	return &CompileError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// UnresolvedReferenceError reports an entity whose build depends on a name
// that is not registered yet. The resolver swallows it until the final
// checkpoint; after that it is fatal.
type UnresolvedReferenceError struct {
	Kind    string // kind of the entity being built ("result map", "statement", ...)
	Name    string // qualified name of the entity being built
	Missing string // qualified name that could not be found
	Message string
}

func (e *UnresolvedReferenceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("could not find %s", e.Missing)
	}
	if e.Name != "" {
		return fmt.Sprintf("%s: %s %s: %s", CodeUnresolvedReference, e.Kind, e.Name, msg)
	}
	return fmt.Sprintf("%s: %s", CodeUnresolvedReference, msg)
}

// NewUnresolvedReference creates an UnresolvedReferenceError for a missing name.
func NewUnresolvedReference(missing, format string, args ...any) *UnresolvedReferenceError {
	return &UnresolvedReferenceError{Missing: missing, Message: fmt.Sprintf(format, args...)}
}

// CacheProtocolError reports a statement that cannot be cached safely.
type CacheProtocolError struct {
	Statement string
	Message   string
}

func (e *CacheProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", CodeCacheProtocol, e.Message)
}

// NotFoundError reports a lookup of a name that is not registered.
type NotFoundError struct {
	Kind    string
	Name    string
	Message string
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", CodeNotFound, e.Message)
	}
	return fmt.Sprintf("%s: %s %s does not exist", CodeNotFound, e.Kind, e.Name)
}

// ExecutionError wraps a driver error with the statement that produced it.
type ExecutionError struct {
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: statement %s: %v", CodeExecution, e.Statement, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// WithContext fills in the definition source and statement identity of a
// CompileError that a lower layer raised without them. Other errors are
// returned unchanged.
func WithContext(err error, source, statement string, line int) error {
	var ce *CompileError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Source == "" {
		ce.Source = source
	}
	if ce.Statement == "" {
		ce.Statement = statement
	}
	if ce.Line == 0 {
		ce.Line = line
	}
	return err
}

// IsCompileError reports whether err is a CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// HasCode reports whether err is a CompileError with the given code.
func HasCode(err error, code Code) bool {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsUnresolved reports whether err is an UnresolvedReferenceError.
func IsUnresolved(err error) bool {
	var ue *UnresolvedReferenceError
	return errors.As(err, &ue)
}

// IsCacheProtocol reports whether err is a CacheProtocolError.
func IsCacheProtocol(err error) bool {
	var pe *CacheProtocolError
	return errors.As(err, &pe)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
