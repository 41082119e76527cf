package engine

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is wrapped by the [GenerationError] returned when every
// attempt of a call timed out.
var ErrRetriesExhausted = errors.New("engine: retries exhausted")

// GenerationError reports a generation call that ended in
// [ResponseTimeout] or [ResponseError].
type GenerationError struct {
	Type ResponseType
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("engine: generation ended with %s: %v", e.Type, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
