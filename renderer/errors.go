package renderer

import "errors"

var (
	ErrNoDevices     = errors.New("renderer: no devices attached")
	ErrInvalidFrame  = errors.New("renderer: invalid frame options")
	ErrTooManyBlocks = errors.New("renderer: frame height is smaller than the number of devices")
	ErrInterrupted   = errors.New("renderer: interrupted while rendering")
	ErrClosed        = errors.New("renderer: closed")
)
