package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies a Docker API failure so callers can branch on it without
// string matching.
type Kind string

const (
	KindConnect   Kind = "connect"
	KindNotFound  Kind = "notFound"
	KindConflict  Kind = "conflict"
	KindTransport Kind = "transport"
	KindOther     Kind = "other"
)

// Error wraps an underlying Docker API error with a classified Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("docker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify inspects err and wraps it with a Kind (pattern-match, then
// wrap): the underlying error is never swallowed.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Error{Kind: KindTransport, Op: op, Err: err}
	case errdefs.IsNotFound(err):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errdefs.IsConflict(err):
		return &Error{Kind: KindConflict, Op: op, Err: err}
	case errdefs.IsUnavailable(err), errdefs.IsSystem(err):
		return &Error{Kind: KindConnect, Op: op, Err: err}
	default:
		return &Error{Kind: KindOther, Op: op, Err: err}
	}
}

func isNotFound(err error) bool { return errdefs.IsNotFound(err) }
func isConflict(err error) bool { return errdefs.IsConflict(err) }
