// Package ledger holds the primitives shared by every part of the ledger
// engine: the error taxonomy, decimal rounding rules and trade side parsing.
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed symbol, side or quantity input.
	// The caller is at fault; never retried.
	ErrValidation = errors.New("validation failed")

	// ErrQuoteUnavailable is returned when no positive current price could be
	// obtained for a symbol (missing, zero or timed out). Safe to retry later.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrInsufficientFunds rejects a buy whose notional exceeds the cash balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares rejects a sell of more shares than are held.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrUpstream is a transport failure talking to the quote provider.
	ErrUpstream = errors.New("upstream error")

	// ErrPersistence is a ledger store failure. The failed operation has been
	// rolled back.
	ErrPersistence = errors.New("persistence error")
)

// Validation returns an ErrValidation with a formatted detail message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence wraps a storage error so that both ErrPersistence and the
// underlying cause match with errors.Is.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Upstream wraps a quote provider transport error.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

// Retryable reports whether the caller may retry the failed operation.
// Business rejections and validation failures are final.
func Retryable(err error) bool {
	return errors.Is(err, ErrQuoteUnavailable) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrPersistence)
}

// Kind returns a stable machine-readable name for the error's class,
// or "internal" when it belongs to none of them.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrQuoteUnavailable):
		return "quote_unavailable"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}
