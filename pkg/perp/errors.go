package perp

import (
	"errors"

	"github.com/luxfi/perp/pkg/fixed"
)

// Validation errors.
var (
	ErrInvalidMargin     = errors.New("margin below minimum")
	ErrInvalidLeverage   = errors.New("leverage below 1x")
	ErrExcessiveLeverage = errors.New("leverage exceeds product maximum")
	ErrLeverageTooLow    = errors.New("resulting leverage below 1x")
	ErrMaxPositionMargin = errors.New("merged margin exceeds position cap")
	ErrInvalidRatio      = errors.New("reward ratios exceed 100%")
	ErrInvalidProduct    = errors.New("invalid product parameters")
)

// State errors.
var (
	ErrProductNotFound  = errors.New("product not found")
	ErrProductExists    = errors.New("product already exists")
	ErrProductInactive  = errors.New("product is not active")
	ErrPositionNotFound = errors.New("position not found")
	ErrTradingPaused    = errors.New("trading is paused")
)

// Authorization errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// Risk limiter rejections.
var (
	ErrExposureExceeded    = errors.New("product exposure limit exceeded")
	ErrUtilizationExceeded = errors.New("pool utilization limit exceeded")
)

// Fund movement errors.
var (
	ErrVaultInsufficient     = errors.New("vault cannot cover payout")
	ErrInsufficientBalance   = errors.New("insufficient account balance")
	ErrInsufficientLiquidity = errors.New("insufficient vault liquidity")
)

// Arithmetic domain violations surface the fixed package sentinels so
// callers can match on either import path.
var (
	ErrArithmetic     = fixed.ErrArithmetic
	ErrDivisionByZero = fixed.ErrDivisionByZero
)
