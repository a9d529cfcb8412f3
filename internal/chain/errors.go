package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Classification sentinels. Business logic matches with errors.Is and never
// inspects error strings; the adapter boundary decides the class.
var (
	// ErrTransient marks rate limits, timeouts and other RPC conditions
	// that should be retried on a later cycle without persisting a failure.
	ErrTransient = errors.New("transient chain error")
	// ErrPermanent marks failures that will not resolve by retrying, such
	// as a transaction reverted on-chain.
	ErrPermanent = errors.New("permanent chain error")
)

// Error wraps an RPC or explorer failure with its classification.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransient) and errors.Is(err, ErrPermanent)
// resolve against the wrapped classification.
func (e *Error) Is(target error) bool {
	if target == ErrTransient {
		return e.Transient
	}
	if target == ErrPermanent {
		return !e.Transient
	}
	return false
}

// transientMarkers are the provider-specific signals public RPCs emit when
// throttling. Matching happens here and nowhere else.
var transientMarkers = []string{
	"429",
	"rate limit",
	"too many requests",
	"exceeded maximum retry",
	"connection reset",
	"temporarily unavailable",
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Transient: isTransient(err), Err: err}
}

func permanent(op string, err error) error {
	return &Error{Op: op, Transient: false, Err: err}
}

func transient(op string, err error) error {
	return &Error{Op: op, Transient: true, Err: err}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
