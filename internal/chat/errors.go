package chat

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrAttachmentTooLarge = errors.New("attachment too large")
	ErrInvalidPassword    = errors.New("invalid password")
	// ErrMessageTooLarge is reserved; content limits report ErrInvalidInput.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrKeyDerivation wraps failures of the key-derivation service or envelope.
	ErrKeyDerivation = errors.New("key derivation failed")
)

// Error attaches a caller-facing detail to one of the sentinel kinds above.
type Error struct {
	Kind   error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func invalid(detail string) error {
	return &Error{Kind: ErrInvalidInput, Detail: detail}
}

func notAuthorized(detail string) error {
	return &Error{Kind: ErrNotAuthorized, Detail: detail}
}

func derivationFailed(err error) error {
	return &Error{Kind: ErrKeyDerivation, Detail: err.Error()}
}
