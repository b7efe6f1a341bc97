package apperrors

import "errors"

// Standardized Simulation Errors
var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrNoOpenPosition     = errors.New("no open position")
	ErrOrderRejected      = errors.New("order rejected")
	ErrOrderNotFound      = errors.New("order not found")
	ErrDuplicateOrder     = errors.New("duplicate order")
	ErrLiquidationActive  = errors.New("liquidation in progress")
	ErrDataGap            = errors.New("non-monotonic or missing timestamp")
	ErrNegativeEquity     = errors.New("negative equity after liquidation")
	ErrInvalidConfig      = errors.New("invalid configuration")
)
