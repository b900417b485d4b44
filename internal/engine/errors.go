package engine

import (
	"errors"
	"fmt"

	"github.com/atmx/market-game/internal/model"
	"github.com/atmx/market-game/internal/store"
)

var (
	ErrValidation          = errors.New("engine: validation failed")
	ErrNotFound            = errors.New("engine: not found")
	ErrDuplicate           = errors.New("engine: duplicate")
	ErrInvalidState        = errors.New("engine: invalid state")
	ErrForbidden           = errors.New("engine: forbidden")
	ErrConcurrencyConflict = errors.New("engine: concurrency conflict")
)

// Order rejection errors. A rejected Order's Err() returns one of these.
var (
	ErrTradingClosed        = model.ErrTradingClosed
	ErrUnknownInstrument    = model.ErrUnknownInstrument
	ErrInvalidQuantity      = model.ErrInvalidQuantity
	ErrInsufficientFunds    = model.ErrInsufficientFunds
	ErrInsufficientPosition = model.ErrInsufficientPosition
	ErrOrderConflict        = model.ErrOrderConflict
)

// translate maps store sentinels onto engine sentinels, keeping the
// original error in the chain. Anything else is infrastructure and is
// returned unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	case errors.Is(err, store.ErrRoundClosed):
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return err
}

// IsBusiness reports whether err is one of the engine's expected outcomes
// rather than an infrastructure failure.
func IsBusiness(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrDuplicate, ErrInvalidState,
		ErrForbidden, ErrConcurrencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
