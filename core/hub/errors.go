package hub

import "errors"

var (
	ErrUnknownMethod  = errors.New("unknown method")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("invalid relay secret")
	ErrConnClosed     = errors.New("connection closed")
)
