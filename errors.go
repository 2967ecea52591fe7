package fwup

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDisconnected is reported by a Transport when the host went away.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrNoAck is returned by the uploader when the device did not answer in
	// time. The protocol has no NACK, so this is the only failure signal.
	ErrNoAck = errors.New("no acknowledgement from device")
)

// HeaderError explains why a session header was rejected. It is logged and
// never sent to the host.
type HeaderError struct {
	Reason string
	Got    []byte
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("bad session header: %s (got % X)", e.Reason, e.Got)
}
