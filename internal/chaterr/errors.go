// Package chaterr holds the error taxonomy shared by the chat core and its
// transports.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrNotFound        = errors.New("not found")
	ErrDelivery        = errors.New("transient delivery failure")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Error codes used on the wire.
const (
	CodeValidation      = "validation_error"
	CodeNotAuthorized   = "not_authorized"
	CodeNotFound        = "not_found"
	CodeUnauthenticated = "unauthenticated"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// ValidationError describes a malformed payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotAuthorizedError is returned when an identity touches a room it does not
// take part in.
type NotAuthorizedError struct {
	IdentityID string
	RoomID     string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("identity %s is not a participant of room %s", e.IdentityID, e.RoomID)
}

func (e *NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }

// DeliveryError is a failed push to one connection. Persisted state is never
// affected by it.
type DeliveryError struct {
	ConnID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s failed: %v", e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func NotAuthorized(identityID, roomID string) error {
	return &NotAuthorizedError{IdentityID: identityID, RoomID: roomID}
}

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	}
	return CodeInternal
}
