package mercury

import "errors"

// Sentinel errors shared by the mercury client and its transport variants.
var (
	// ErrUnknownDevice indicates a device key with no registry entry.
	ErrUnknownDevice = errors.New("mercury: unknown device key")

	// ErrConnClosed indicates an operation on a closed connection.
	ErrConnClosed = errors.New("mercury: connection closed")

	// ErrConnNotOpen indicates an exchange was attempted before Open.
	ErrConnNotOpen = errors.New("mercury: connection not open")
)
