package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/churnshield/internal/circuitbreaker"
)

// Kind classifies a billing failure. Every kind is recoverable: the customer
// may retry or back out.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindAlreadyHasDiscount
	KindMissingSubscription
	KindProviderNotConfigured
)

// Wire codes used by the flow-event contract.
const (
	CodeConnectionError       = "connection_error"
	CodeAlreadyHasDiscount    = "already_has_discount"
	CodeNoActiveSubscription  = "no_active_subscription"
	CodeProviderNotConfigured = "provider_not_configured"
	CodeUnknown               = "unknown_error"
)

// Code returns the contract error code for k.
func (k Kind) Code() string {
	switch k {
	case KindConnection:
		return CodeConnectionError
	case KindAlreadyHasDiscount:
		return CodeAlreadyHasDiscount
	case KindMissingSubscription:
		return CodeNoActiveSubscription
	case KindProviderNotConfigured:
		return CodeProviderNotConfigured
	default:
		return CodeUnknown
	}
}

func (k Kind) String() string { return k.Code() }

// KindFromCode maps a contract error code to a Kind. Unrecognised codes are
// KindUnknown.
func KindFromCode(code string) Kind {
	switch code {
	case CodeConnectionError:
		return KindConnection
	case CodeAlreadyHasDiscount:
		return KindAlreadyHasDiscount
	case CodeNoActiveSubscription:
		return KindMissingSubscription
	case CodeProviderNotConfigured:
		return KindProviderNotConfigured
	default:
		return KindUnknown
	}
}

// Error is a classified billing failure.
type Error struct {
	Kind Kind
	// Message is provider-supplied text, shown for KindUnknown.
	Message string
	Err     error
}

// NewError builds a classified error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("billing %s: %s: %v", e.Kind.Code(), e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("billing %s: %v", e.Kind.Code(), e.Err)
	case e.Message != "":
		return fmt.Sprintf("billing %s: %s", e.Kind.Code(), e.Message)
	}
	return "billing " + e.Kind.Code()
}

func (e *Error) Unwrap() error { return e.Err }

// Title is the short user-facing heading for the failure.
func (e *Error) Title() string {
	switch e.Kind {
	case KindConnection:
		return "Connection problem"
	case KindAlreadyHasDiscount:
		return "You're already saving"
	case KindMissingSubscription:
		return "Subscription not found"
	case KindProviderNotConfigured:
		return "Billing unavailable"
	default:
		return "Something went wrong"
	}
}

// UserMessage is the user-facing body for the failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindConnection:
		return "We couldn't reach our billing system. Please check your connection and try again."
	case KindAlreadyHasDiscount:
		return "Your subscription already has a discount applied, so you're already getting our best price."
	case KindMissingSubscription:
		return "We couldn't find an active subscription on your account. Please contact support."
	case KindProviderNotConfigured:
		return "Billing isn't set up for this account yet. Please contact support."
	}
	if e.Message != "" {
		return e.Message + " Please try again."
	}
	return "We couldn't complete that request. Please try again in a moment."
}

// KindOf classifies err. A *Error reports its own kind; deadline, cancel and
// open-circuit errors are connection failures; anything else is unknown.
func KindOf(err error) Kind {
	var be *Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &be):
		return be.Kind
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, circuitbreaker.ErrOpen):
		return KindConnection
	}
	return KindUnknown
}

// AsError returns err as a *Error, classifying it if needed. Nil stays nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Kind: KindOf(err), Err: err}
}
