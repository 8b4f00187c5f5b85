package types

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment   = "invalid_payment"
	ErrCodePaymentRequired  = "payment_required"
	ErrCodePaymentInFlight  = "payment_in_progress"
	ErrCodeSettlementFailed = "settlement_failed"
	ErrCodeVerifyFailed     = "verification_failed"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
	}
}
