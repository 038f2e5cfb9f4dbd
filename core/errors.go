package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an unknown conversation, link, rune, message or user.
	ErrNotFound = errors.New("not found")

	// ErrValidation reports a malformed request. No state was mutated.
	ErrValidation = errors.New("validation failed")

	// ErrUnsafeURL reports a URL rejected by the fetch safety gate. It is a
	// validation error.
	ErrUnsafeURL = fmt.Errorf("%w: unsafe or private host is not allowed", ErrValidation)

	// ErrUpstream reports a failure of an embedding, completion or fetch provider.
	ErrUpstream = errors.New("upstream provider error")
)
