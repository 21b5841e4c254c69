package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTemporary    = errors.New("temporary failure")

	// Agent error kinds. Only ErrTransport ends a request; the others are
	// reported back to the model as tool errors.
	ErrTransport        = errors.New("model transport failure")
	ErrUnsafeMutation   = errors.New("unsafe mutation")
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnknownQueryType = errors.New("unknown query type")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
