package tablestore

import "errors"

// Sentinel errors returned by tablestore operations. Use [errors.Is].
var (
	// ErrCorrupt indicates the file exists but fails the header format check
	// (bad magic, CRC mismatch, missing init marker, truncated file).
	//
	// This is not recoverable by the store; an operator must remove the file.
	ErrCorrupt = errors.New("tablestore: corrupt")

	// ErrIncompatible indicates a file written by a different format version.
	ErrIncompatible = errors.New("tablestore: incompatible")

	// ErrFull indicates every slot is allocated.
	ErrFull = errors.New("tablestore: full")

	// ErrInvalidInput indicates invalid options or slot names.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("tablestore: invalid input")

	// ErrClosed indicates the [Store] has already been closed.
	ErrClosed = errors.New("tablestore: closed")
)
