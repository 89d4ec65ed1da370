package bridge

import "errors"

// ErrForbidden is returned by Dispatch when the caller lacks the control
// permission (and is not admin).
var ErrForbidden = errors.New("forbidden")

// ErrInvalidCommand is returned by Dispatch when the command fails validation.
var ErrInvalidCommand = errors.New("invalid command")
