package service

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDeviceNotFound = errors.New("device not found")
	ErrUserNotFound   = errors.New("user not found")
)
