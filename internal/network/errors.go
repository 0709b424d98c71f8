package network

import (
	"errors"
	"fmt"
)

// ErrFatal marks errors that stop a network task: storage failures,
// invariant violations, a closed epoch stream, and crashed workers.
// Every other error returned by a step is logged and the task continues.
var ErrFatal = errors.New("fatal network task error")

// ErrAtCapacity is replied to a settlement request made while the network
// already settled in the current epoch.
var ErrAtCapacity = errors.New("network already settled in the current epoch")

func fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

func fatalErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrFatal, op, err)
}
