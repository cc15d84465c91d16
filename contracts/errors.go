package contracts

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage is matched by every MalformedError
var ErrMalformedMessage = errors.New("malformed message")

const maxBodyExcerpt = 256

// MalformedError reports a reply body that is not a JSON object
type MalformedError struct {
	Reason string
	Body   string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedMessage) hold for any MalformedError
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedMessage
}

func truncate(body []byte) string {
	if len(body) <= maxBodyExcerpt {
		return string(body)
	}
	return string(body[:maxBodyExcerpt]) + "..."
}
