package registry

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrNameConflict     = errors.New("name conflict")
	ErrNameInUse        = errors.New("name in use")
	ErrLocked           = errors.New("attribute locked")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidState     = errors.New("invalid state")
	ErrMalformed        = errors.New("malformed command")
	ErrLimitExceeded    = errors.New("limit exceeded")

	// ErrValueTooLarge is a malformed command with its own wire code
	ErrValueTooLarge = fmt.Errorf("%w: attribute value too large", ErrMalformed)
)
