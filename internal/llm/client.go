// Package llm provides the language model gateway and its providers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Prompt is one request to the model: standing instructions plus the
// turn-specific content.
type Prompt struct {
	System string
	User   string
}

// Gateway sends a prompt and returns the model's raw text. Failures are
// reported as *GatewayError.
type Gateway interface {
	Send(ctx context.Context, prompt Prompt) (string, error)
}

// Pinger is implemented by gateways that can check reachability
// without spending a completion.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindQuota       ErrorKind = "quota"
	KindMalformed   ErrorKind = "malformed"
	KindUnavailable ErrorKind = "unavailable"
)

// GatewayError is a failed model call.
type GatewayError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a gateway error, or KindUnavailable for
// anything unclassified.
func KindOf(err error) ErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindUnavailable
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// transportError classifies an error from the HTTP round trip.
func transportError(provider string, err error) *GatewayError {
	kind := KindUnavailable
	if isTimeout(err) {
		kind = KindTimeout
	}
	return &GatewayError{Provider: provider, Kind: kind, Err: err}
}

// statusKind maps an HTTP status to an error kind.
func statusKind(status int) ErrorKind {
	switch {
	case status == 429 || status == 402:
		return KindQuota
	case status == 408 || status == 504:
		return KindTimeout
	default:
		return KindUnavailable
	}
}
