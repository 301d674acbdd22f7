package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthTimeout means the authorization response never arrived
	ErrAuthTimeout = errors.New("broker: authorization timed out")
	// ErrAuthRejected means the broker refused the credential
	ErrAuthRejected = errors.New("broker: authorization rejected")
	// ErrTimeout means a request got no matched response in time
	ErrTimeout = errors.New("broker: request timed out")
	// ErrConnClosed means the connection was torn down with the request in flight
	ErrConnClosed = errors.New("broker: connection closed")
)

// APIError is a broker-reported failure attached to a response frame
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s (%s)", e.Message, e.Code)
}

// terminalCodes are broker rejections that retrying cannot fix. Codes not
// listed here are treated as retryable up to the attempt budget rather
// than silently fatal.
var terminalCodes = map[string]struct{}{
	"InsufficientBalance":      {},
	"InvalidAmount":            {},
	"InvalidCurrency":          {},
	"InvalidSymbol":            {},
	"InvalidToken":             {},
	"AuthorizationRequired":    {},
	"InvalidContractProposal":  {},
	"OfferingsValidationError": {},
}

// Terminal reports whether err is a non-retryable broker rejection.
// Connection-level and timeout errors are retryable: a fresh connection
// or a later attempt may succeed.
func Terminal(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		_, ok := terminalCodes[apiErr.Code]
		return ok
	}
	return errors.Is(err, ErrAuthRejected)
}
