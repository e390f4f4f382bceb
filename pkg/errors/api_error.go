package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Binance-compatible error codes. Negative integers on the wire.
const (
	CodeServerError        = -1000
	CodeDisconnected       = -1001
	CodeUnauthorized       = -1002
	CodeTooManyRequests    = -1003
	CodeServerBusy         = -1004
	CodeTimeout            = -1005
	CodeUnknownComposition = -1006
	CodeUnexpectedResp     = -1007
	CodeInvalidTimestamp   = -1021
	CodeInvalidSignature   = -1022
	CodeInvalidListenKey   = -1023

	CodeIllegalChars     = -1100
	CodeMandatoryParam   = -1102
	CodeParamNotRequired = -1106
	CodeBadPrecision     = -1111
	CodeInvalidTIF       = -1115
	CodeInvalidType      = -1116
	CodeInvalidSide      = -1117
	CodeBadInterval      = -1120
	CodeUnknownSymbol    = -1121

	CodeNewOrderRejected    = -2010
	CodeCancelRejected      = -2011
	CodeCancelAllFail       = -2012
	CodeNoSuchOrder         = -2013
	CodeBadAPIKeyFormat     = -2014
	CodeInvalidAPIKey       = -2015
	CodeUnknownAccount      = -2016
	CodeBalanceInsufficient = -2017
	CodeMarketClosed        = -2021
	CodeTooManyOrders       = -2024
	CodeOrderArchived       = -2026
	CodeCancelRestricted    = -2027

	CodePriceFilter   = -4000
	CodePercentPrice  = -4001
	CodeLotSize       = -4002
	CodeMinNotional   = -4003
	CodeMarketLotSize = -4005
	CodeMaxNumOrders  = -4006
)

// APIError carries a Binance-compatible wire code alongside the message.
// It is the error type surfaced by the REST layer; everything below it
// works with the sentinel errors in this package and wraps upward.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// NewAPIError builds an APIError with the given wire code.
func NewAPIError(code int, msg string) *APIError {
	return &APIError{Code: code, Message: msg}
}

// HTTPStatus maps the wire code to the HTTP status the REST layer returns.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized, CodeInvalidTimestamp, CodeInvalidSignature,
		CodeBadAPIKeyFormat, CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServerError, CodeServerBusy, CodeUnexpectedResp:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// AsAPIError unwraps err to an *APIError, converting known sentinels so
// callers outside the REST layer can return plain sentinel errors.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return NewAPIError(CodeNewOrderRejected, "Account has insufficient balance for requested action.")
	case errors.Is(err, ErrOrderNotFound):
		return NewAPIError(CodeNoSuchOrder, "Order does not exist.")
	case errors.Is(err, ErrDuplicateOrder):
		return NewAPIError(CodeNewOrderRejected, "Duplicate order sent.")
	case errors.Is(err, ErrInvalidSymbol):
		return NewAPIError(CodeUnknownSymbol, "Invalid symbol.")
	case errors.Is(err, ErrTimestampOutOfBounds):
		return NewAPIError(CodeInvalidTimestamp, "Timestamp for this request is outside of the recvWindow.")
	case errors.Is(err, ErrInvalidSignature):
		return NewAPIError(CodeInvalidSignature, "Signature for this request is not valid.")
	case errors.Is(err, ErrAuthenticationFailed):
		return NewAPIError(CodeBadAPIKeyFormat, "API-key format invalid.")
	case errors.Is(err, ErrUnknownUser):
		return NewAPIError(CodeUnknownAccount, "Unknown account.")
	case errors.Is(err, ErrNoReferencePrice):
		return NewAPIError(CodeNewOrderRejected, "No reference price available for price match.")
	case errors.Is(err, ErrInvalidOrderParameter):
		return NewAPIError(CodeMandatoryParam, "Mandatory parameter was not sent, was empty/null, or malformed.")
	case errors.Is(err, ErrRateLimitExceeded):
		return NewAPIError(CodeTooManyRequests, "Too many requests.")
	case errors.Is(err, ErrOrderRejected):
		return NewAPIError(CodeNewOrderRejected, "Order was rejected.")
	default:
		return NewAPIError(CodeServerError, "An unknown error occurred while processing the request.")
	}
}
