package domain

import "errors"

var (
	// ErrConfig marks a malformed field-boundary document or metrics
	// configuration. The partition must be aborted.
	ErrConfig = errors.New("invalid configuration")

	// ErrSchema marks a metrics table that violates the per-field-per-day
	// contract: missing columns or duplicate field ids.
	ErrSchema = errors.New("schema violation")
)
