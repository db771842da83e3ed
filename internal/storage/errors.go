package storage

import "errors"

var (
	// ErrRecordNotFound is returned when no record has the requested ID
	ErrRecordNotFound = errors.New("session record not found")
	// ErrInvalidDatabaseType is returned when an invalid database type is provided
	ErrInvalidDatabaseType = errors.New("invalid database type")
)
