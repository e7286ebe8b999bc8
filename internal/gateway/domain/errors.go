package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrGatewayRejected    = errors.New("gateway_rejected")
	ErrNotFound           = errors.New("not_found")
	ErrCaptureRejected    = errors.New("capture_rejected")
	ErrInvalidConfig      = errors.New("invalid_gateway_config")
	ErrInvalidSignature   = errors.New("invalid_signature")
)

// GatewayError carries the gateway's own error detail alongside the
// classification sentinel.
type GatewayError struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
	Kind        error
	Err         error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Is(target error) bool {
	if e.Kind == nil {
		return false
	}
	if target == e.Kind {
		return true
	}
	// not-found and capture rejections are still rejections.
	if target == ErrGatewayRejected && (e.Kind == ErrNotFound || e.Kind == ErrCaptureRejected) {
		return true
	}
	return false
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the same call later may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
