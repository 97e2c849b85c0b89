package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrPositionExists   = errors.New("position already open")
	ErrNoPosition       = errors.New("no open position")
	ErrUnknownSymbol    = errors.New("symbol not in precision map")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrStepSize         = errors.New("quantity is not a multiple of step size")
	ErrBelowMinNotional = errors.New("notional below minimum")
	ErrFundingWindow    = errors.New("inside funding fee window")
	ErrCapReached       = errors.New("max open positions reached")
	ErrCloseInFlight    = errors.New("close already in progress")
	ErrNoStrategy       = errors.New("no active strategy")
	ErrLockHeld         = errors.New("lock already held")
	ErrNoMarketData     = errors.New("no market data")
)
