package core

import "errors"

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrClockSkew indicates the request timestamp fell outside the exchange window.
	ErrClockSkew = errors.New("request timestamp rejected")
	ErrMissingCredentials = errors.New("api key, secret key and passphrase are required")
	// ErrUnmappedStatus means the status table is incomplete for a reported status.
	ErrUnmappedStatus = errors.New("unmapped order status")
	ErrUnknownOrder   = errors.New("order is not tracked")
)

// IsRejection reports whether err is an exchange-side refusal rather than a transport failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOrderRejected) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateOrder)
}
