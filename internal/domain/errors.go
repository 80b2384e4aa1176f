package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a remote resource that does not exist. A missing state
	// listing means "no data for this state/year" and is not fatal.
	ErrNotFound = errors.New("resource not found")

	// ErrDecode marks a shapefile pair that could not be decoded.
	ErrDecode = errors.New("decode shapefile")
)

// FireError attributes a failure to the fire branch it aborted.
type FireError struct {
	Fire  string
	Stage string
	Err   error
}

func (e *FireError) Error() string {
	return fmt.Sprintf("fire %q: %s: %v", e.Fire, e.Stage, e.Err)
}

func (e *FireError) Unwrap() error { return e.Err }
