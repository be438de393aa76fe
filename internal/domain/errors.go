// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested record or subscription does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed indicates a claim lost the race to a valid, non-stale lock.
var ErrAlreadyClaimed = errors.New("already claimed")

// ErrInvalidInput indicates a malformed filter or type set on a request.
var ErrInvalidInput = errors.New("invalid input")

// ErrValidation indicates a request failed field validation.
var ErrValidation = errors.New("validation failed")
