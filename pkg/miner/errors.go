package miner

import (
	"errors"
	"fmt"
)

var (
	// Transport
	ErrTimeout           = errors.New("timeout")
	ErrConnectionRefused = errors.New("connection refused")
	ErrRequestFailed     = errors.New("request failed")

	// Detection
	ErrNoHost           = errors.New("no host reachable")
	ErrUnknownMinerType = errors.New("unknown miner type")

	// Parse
	ErrInvalidResponse = errors.New("invalid response")

	// Auth
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")

	// ErrNotSupported is returned for operations the vendor protocol cannot perform.
	ErrNotSupported = errors.New("not supported")

	// ErrUnknownModel is returned when a model has no rating table entry.
	ErrUnknownModel = errors.New("unknown model")

	// ErrRebootIgnored is returned when a reboot request received a complete
	// response, meaning the device did not restart.
	ErrRebootIgnored = errors.New("reboot did not take effect")
)

// APIError is a failure reported by the vendor's own API, message verbatim.
type APIError struct {
	Vendor  Vendor
	Command string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s API error (code %d) on %s: %s", e.Vendor, e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("%s API error on %s: %s", e.Vendor, e.Command, e.Message)
}

// StatusError is an unexpected HTTP status from a vendor endpoint.
type StatusError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request to %s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request to %s failed with status %d", e.Endpoint, e.StatusCode)
}

// Is reports 401 and 403 as ErrUnauthorized and everything else as ErrRequestFailed.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrRequestFailed:
		return e.StatusCode != 401 && e.StatusCode != 403
	}
	return false
}

// IsAuthError returns true if err is an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTokenExpired)
}

// IsConnectionError returns true for transport failures where no response
// was received.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionRefused) ||
		(errors.Is(err, ErrRequestFailed) && !isStatus(err))
}

func isStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// RebootResult maps the outcome of a reboot request. The device drops the
// connection while restarting, so a connection failure is success and a
// completed exchange is ErrRebootIgnored.
func RebootResult(err error) error {
	switch {
	case err == nil:
		return ErrRebootIgnored
	case IsConnectionError(err):
		return nil
	default:
		return err
	}
}
