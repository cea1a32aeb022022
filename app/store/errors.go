package store

import "errors"

var (
	// ErrValidation is returned when a required input field is missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when the supplied password does not match the stored hash.
	ErrUnauthorized = errors.New("invalid password")

	// ErrNotFound is returned when no settings record exists for the given id.
	ErrNotFound = errors.New("settings not found")
)
