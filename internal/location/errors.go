package location

import (
	"context"
	"errors"
)

// Kind classifies a tracking failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnsupported means no provider exists on this device. Fatal for the session.
	KindUnsupported
	// KindPermissionDenied means the operator refused location access.
	KindPermissionDenied
	// KindTimeout means a one-shot fetch got no fix in time.
	KindTimeout
	// KindProviderFailure is a transient watch-mode error.
	KindProviderFailure
	// KindPublishFailure means the shared store rejected or missed a write.
	KindPublishFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnsupported:
		return "unsupported"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTimeout:
		return "timeout"
	case KindProviderFailure:
		return "provider_failure"
	case KindPublishFailure:
		return "publish_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Err may be nil.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrUnsupported      = &Error{Kind: KindUnsupported}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrProviderFailure  = &Error{Kind: KindProviderFailure}
	ErrPublishFailure   = &Error{Kind: KindPublishFailure}
)

// Wrap classifies err under kind unless it already carries a kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) && le.Kind != KindUnknown {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
