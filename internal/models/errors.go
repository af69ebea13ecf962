package models

import "errors"

var (
	ErrUnknownSourceType = errors.New("unknown source type")
	ErrUnknownStatus     = errors.New("unknown envelope status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidProvenance = errors.New("invalid provenance")
	ErrInvalidIgnoreRule = errors.New("invalid ignore rule")
	ErrEmptyRecipient    = errors.New("recipient is required")
	ErrEmptyPayload      = errors.New("payload is required")
)
