package domain

import "errors"

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrStoreUnavailable = errors.New("reservation store unavailable")
	ErrProductNotFound  = errors.New("product not found")
)
