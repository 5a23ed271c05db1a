package errs

import (
	"errors"
	"fmt"
)

var ErrOverpayment = errors.New("payment exceeds remaining balance")
var ErrDuplicatePayment = errors.New("payment already applied")
var ErrPaymentNotPending = errors.New("payment already finalized")
var ErrOrderNotFound = errors.New("order not found")
var ErrPaymentNotFound = errors.New("payment not found")
var ErrCustomerNotFound = errors.New("customer not found")
var ErrProductNotFound = errors.New("product not found")
var ErrOrderNotPayable = errors.New("order does not accept payments")
var ErrGatewayDeclined = errors.New("gateway declined payment")
var ErrInvalidToken = errors.New("invalid token")

// ValidationError carries the offending field so handlers can answer with
// field-level detail.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
