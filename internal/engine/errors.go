package engine

import "errors"

// Validation errors: rejected before any state mutation, recoverable by
// retry with corrected input.
var (
	ErrZeroAmount            = errors.New("engine: zero amount")
	ErrInvalidCloseSize      = errors.New("engine: close size exceeds position size")
	ErrEssentialConfigNotSet = errors.New("engine: essential config not set")
	ErrMarketNotFound        = errors.New("engine: market not found")
	ErrPoolNotFound          = errors.New("engine: pool not found")
	ErrAccountNotFound       = errors.New("engine: account not found")
	ErrSafePositionAccount   = errors.New("engine: account is not liquidatable")
	ErrAdlNotEligible        = errors.New("engine: position not eligible for auto-deleverage")
)

// Solvency errors: the whole operation is rejected atomically, no partial
// state change is observable.
var (
	ErrMarketFull                = errors.New("engine: market full")
	ErrInsufficientLiquidity     = errors.New("engine: insufficient pool liquidity")
	ErrUnsafePositionAccount     = errors.New("engine: position account would be unsafe")
	ErrInsufficientCollateralUsd = errors.New("engine: insufficient collateral")
)

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrZeroAmount) ||
		errors.Is(err, ErrInvalidCloseSize) ||
		errors.Is(err, ErrEssentialConfigNotSet) ||
		errors.Is(err, ErrMarketNotFound) ||
		errors.Is(err, ErrPoolNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSafePositionAccount) ||
		errors.Is(err, ErrAdlNotEligible)
}

// IsSolvency reports whether err belongs to the solvency class.
func IsSolvency(err error) bool {
	return errors.Is(err, ErrMarketFull) ||
		errors.Is(err, ErrInsufficientLiquidity) ||
		errors.Is(err, ErrUnsafePositionAccount) ||
		errors.Is(err, ErrInsufficientCollateralUsd)
}
