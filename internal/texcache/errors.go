package texcache

import (
	"errors"
	"fmt"
)

// DecodeError reports that the provider could not produce a tile's image.
type DecodeError struct {
	Key Key
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to load tile %d/%d/%d: %v", e.Key.Level, e.Key.Row, e.Key.Col, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Permanent reports whether retrying the activation that returned err is
// pointless. Decode failures repeat on every try; a device that was out of
// memory may have room again once other tiles are released.
func Permanent(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}
