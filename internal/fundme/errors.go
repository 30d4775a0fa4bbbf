package fundme

import "errors"

// Error is a ledger failure with a stable machine-readable code.
type Error struct {
	Code   string
	Reason string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Reason
}

var (
	ErrInsufficientFunding = &Error{Code: "InsufficientFunding", Reason: "You need to spend more ETH!"}
	ErrNotOwner            = &Error{Code: "FundMe__NotOwner", Reason: "only the owner can withdraw"}
	ErrOracleUnavailable   = &Error{Code: "OracleUnavailable", Reason: "price feed unavailable"}
	ErrTransferFailed      = &Error{Code: "TransferFailure", Reason: "call failed"}
	ErrIndexOutOfRange     = &Error{Code: "IndexOutOfRange", Reason: "funder index out of range"}
	ErrInvalidAmount       = &Error{Code: "InvalidAmount", Reason: "amount must be a non-negative wei value"}
	ErrPaymentFailed       = &Error{Code: "PaymentFailure", Reason: "deposit could not be collected"}
	ErrTransferPending     = &Error{Code: "TransferPending", Reason: "payout sent but not yet confirmed"}
)

// Code returns the code of the first *Error in err's chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
