package executor

import "errors"

var (
	ErrServiceNotFound = errors.New("handler service not found")
	ErrMethodNotFound  = errors.New("handler method not found")
)
