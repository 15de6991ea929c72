package panel

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a panel call failed.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindNetwork
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Sentinels matched through errors.Is against any *Error of the same kind.
var (
	ErrAuth        = errors.New("panel authentication failed")
	ErrNetwork     = errors.New("panel unreachable")
	ErrRateLimited = errors.New("panel rate limited")
	ErrUnknown     = errors.New("panel returned an unexpected response")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindNetwork:
		return ErrNetwork
	case KindRateLimited:
		return ErrRateLimited
	default:
		return ErrUnknown
	}
}

// Error is returned by every adapter call that did not produce readings.
type Error struct {
	Panel  string
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("panel %s: %s error (status %d): %v", e.Panel, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("panel %s: %s error: %v", e.Panel, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf extracts the failure kind of err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var panelErr *Error
	if errors.As(err, &panelErr) {
		return panelErr.Kind
	}
	return KindUnknown
}

func statusOf(err error) int {
	var panelErr *Error
	if errors.As(err, &panelErr) {
		return panelErr.Status
	}
	return 0
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		return KindNetwork
	default:
		return KindUnknown
	}
}
