package messaging

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrNotConnected is returned by transports used before Connect succeeds
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionTimeout means the broker did not complete the handshake
	// within the connect window
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrTransport covers network level failures
	ErrTransport = errors.New("transport error")

	// ErrProtocol covers rejections by the broker, such as bad credentials
	ErrProtocol = errors.New("protocol error")

	// ErrManagerClosed is returned after the connection manager is closed
	ErrManagerClosed = errors.New("connection manager closed")
)

// ConnectionError is returned when a connect attempt fails. Kind is one of
// ErrConnectionTimeout, ErrTransport or ErrProtocol and matches with errors.Is.
type ConnectionError struct {
	Kind      error
	Op        string
	Endpoint  string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Err != nil && !errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s %s failed after %d attempt(s): %v: %v", e.Op, e.Endpoint, e.Attempts, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Endpoint, e.Attempts, e.Kind)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classifyConnectError picks the ConnectionError kind for err. expired
// reports whether the connect window ran out.
func classifyConnectError(err error, expired bool) error {
	switch {
	case errors.Is(err, ErrProtocol):
		return ErrProtocol
	case expired, errors.Is(err, ErrConnectionTimeout):
		return ErrConnectionTimeout
	default:
		return ErrTransport
	}
}

// SanitizeURL removes the password from a broker URL for logging
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
