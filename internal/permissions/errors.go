package permissions

import "errors"

var (
	ErrNotFound     = errors.New("permissions: not found")
	ErrConflict     = errors.New("permissions: resource conflict")
	ErrInvalidInput = errors.New("permissions: invalid input")
	ErrUnauthorized = errors.New("permissions: unauthorized")
)
