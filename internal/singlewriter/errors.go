package singlewriter

import "errors"

var (
	ErrEngineClosed  = errors.New("single writer engine is closed")
	ErrQueueFull     = errors.New("bucket queue is full")
	ErrInvalidBucket = errors.New("bucket index out of range")
	ErrTaskPanicked  = errors.New("task panicked")
)
