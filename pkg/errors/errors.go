package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrUnknownUser           = errors.New("unknown user")
	ErrNoReferencePrice      = errors.New("no reference price for price match")
	ErrTimeBackwards         = errors.New("backtest time must not move backwards")
	ErrReplayState           = errors.New("invalid replay controller state")
	ErrSourceNotFound        = errors.New("replay source not found")
)
