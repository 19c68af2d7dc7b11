package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures that are not program outcomes.
type Kind int

const (
	// KindInternal is an unexpected failure inside the service.
	KindInternal Kind = iota
	// KindValidation is a bad request detected before any sandbox work.
	KindValidation
	// KindSetup covers image pulls and sandbox creation or start.
	KindSetup
	// KindTransport means the caller went away or its sink failed.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSetup:
		return "setup"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error carries the failure class plus the image and sandbox it relates to.
type Error struct {
	Kind      Kind
	Op        string
	Image     string
	SandboxID string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Image != "" {
		fmt.Fprintf(&b, " [image=%s]", e.Image)
	}
	if e.SandboxID != "" {
		fmt.Fprintf(&b, " [sandbox=%s]", shortID(e.SandboxID))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError builds a KindValidation error.
func ValidationError(format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: "validate request", Err: fmt.Errorf(format, args...)}
}

func setupError(op, image, sandboxID string, err error) error {
	return &Error{Kind: KindSetup, Op: op, Image: image, SandboxID: sandboxID, Err: err}
}

func transportError(op, sandboxID string, err error) error {
	return &Error{Kind: KindTransport, Op: op, SandboxID: sandboxID, Err: err}
}

// KindOf returns the kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsSetup reports whether err is an image or sandbox setup failure.
func IsSetup(err error) bool { return err != nil && KindOf(err) == KindSetup }

// IsTransport reports whether err was caused by the caller going away.
func IsTransport(err error) bool { return err != nil && KindOf(err) == KindTransport }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
