package courier

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation is attempted on a
	// broker that has not been connected, or was disconnected.
	ErrNotConnected = errors.New("courier: not connected")

	// ErrNoAddress is returned by Connect when no broker address was
	// configured.
	ErrNoAddress = errors.New("courier: no broker address configured")
)

// ConnectError reports a failure to establish a session with the broker
// (unreachable endpoint or refused handshake).
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("courier: connect %q: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// PublishError reports a failure while handing a message to the broker,
// typically a connection dropped mid-operation. No retry is attempted;
// the message is not guaranteed sent.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("courier: publish to %q: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
