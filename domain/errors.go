package domain

import "errors"

// ErrTaskNotFound is returned when an operation references an unknown task id.
var ErrTaskNotFound = errors.New("task not found")
