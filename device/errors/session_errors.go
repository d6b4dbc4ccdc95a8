package errors

import (
	"fmt"
	"strings"
)

// TransportUnavailableError indicates no serial transports could be
// enumerated at all. Fatal for the connect attempt, never retried
// automatically.
type TransportUnavailableError struct{}

func (err TransportUnavailableError) Error() string {
	return "no serial transports available"
}

// TransportExhaustedError indicates transports were found but every open
// attempt failed, including the fallback scan.
type TransportExhaustedError struct {
	Ports []string
	Last  error
}

func (err TransportExhaustedError) Error() string {
	return fmt.Sprintf("unable to open control board on any transport (tried %s): %v",
		strings.Join(err.Ports, ", "), err.Last)
}

func (err TransportExhaustedError) Unwrap() error {
	return err.Last
}

type IdentityMismatchError struct {
	Expected string
	Actual   string
}

func (err IdentityMismatchError) Error() string {
	if len(err.Actual) == 0 {
		err.Actual = "UNKNOWN"
	}
	return fmt.Sprintf("connected device '%s' is not a %s", err.Actual, err.Expected)
}

// VersionMismatchError reports a major/minor difference between the host
// driver and the device firmware. Non-fatal: the session stays open and
// the caller decides whether to offer a reflash.
type VersionMismatchError struct {
	Host   string
	Remote string
}

func (err VersionMismatchError) Error() string {
	return fmt.Sprintf("device firmware version (%s) does not match the driver version (%s)",
		err.Remote, err.Host)
}

type NotConnectedError struct{}

func (err NotConnectedError) Error() string {
	return "control board is not connected"
}
