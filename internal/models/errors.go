package models

import "errors"

var (
	ErrValidation              = errors.New("validation failed")
	ErrNotFound                = errors.New("not found")
	ErrOwnershipMismatch       = errors.New("ownership mismatch")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrLeaseNotFound           = errors.New("lease not found")
	ErrDispatchRegistration    = errors.New("dispatch registration failed")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrTenantNotFound          = errors.New("tenant not found")
)
