package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidVolume    = errors.New("invalid volume")
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrInvalidOrderType = errors.New("invalid order type")

	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrInsufficientMargin = errors.New("insufficient margin")

	ErrNotFound        = errors.New("position not found")
	ErrAlreadyClosed   = fmt.Errorf("position already closed: %w", ErrNotFound)
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind string

const (
	// KindValidation: the request was malformed. Nothing changed.
	KindValidation ErrorKind = "validation"
	// KindResource: the operation was aborted with no side effects; a retry
	// later may succeed.
	KindResource ErrorKind = "resource"
	// KindState: the caller's view is stale. Refresh before trying again.
	KindState    ErrorKind = "state"
	KindInternal ErrorKind = "internal"
)

func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidVolume),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInvalidOrderType):
		return KindValidation
	case errors.Is(err, ErrPriceUnavailable),
		errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, context.DeadlineExceeded):
		return KindResource
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrAccountExists):
		return KindState
	}
	return KindInternal
}
