package server

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrDuplicateNickname = errors.New("nickname already in use")
	ErrInvalidNickname   = errors.New("invalid nickname")
	ErrMalformedCommand  = errors.New("malformed command")
	ErrUnknownRecipient  = errors.New("unknown recipient")
	ErrTransportFailure  = errors.New("transport failure")
	ErrTransportClosed   = errors.New("transport closed")
	ErrLineTooLong       = errors.New("line too long")

	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// ChatError carries a user-facing message alongside its kind.
type ChatError struct {
	Kind    error
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *ChatError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewError creates a ChatError. An empty message falls back to the kind text.
func NewError(kind error, message string, cause error) *ChatError {
	if message == "" {
		message = kind.Error()
	}
	return &ChatError{Kind: kind, Message: message, Err: cause}
}

// FormatError renders an error as the frame sent back to the offending client.
func FormatError(err error) string {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return "Error: " + chatErr.Message
	}
	return "Error: " + err.Error()
}
