package modules

import (
	"errors"
)

var (
	// ErrAbsent is returned by Store lookups that find nothing. It is
	// distinct from a hard error: absence is often an expected outcome.
	ErrAbsent = errors.New("entry absent in database")

	// ErrAlreadyPaid is returned by MarkProposalPaid when the order was
	// already marked; at most one mark commits per order.
	ErrAlreadyPaid = errors.New("order already marked paid")

	// ErrDepositExists is returned by StoreDeposit when the
	// (h_contract_terms, coin_pub) pair is already recorded.
	ErrDepositExists = errors.New("deposit already recorded for this coin")

	// ErrRefundExceedsPayment is returned by IncreaseRefund when the
	// requested total would exceed the deposited total.
	ErrRefundExceedsPayment = errors.New("refund exceeds deposited total")
)

// RetryLimit bounds how often a transaction is re-run after soft errors.
const RetryLimit = 5

// softError marks a transient database failure. The enclosing transaction
// should be re-run from its start.
type softError struct {
	err error
}

// Error implements the error interface.
func (s softError) Error() string {
	return "transient database error: " + s.err.Error()
}

// Unwrap exposes the underlying error.
func (s softError) Unwrap() error {
	return s.err
}

// SoftError wraps err as a transient failure. A nil err returns nil.
func SoftError(err error) error {
	if err == nil {
		return nil
	}
	return softError{err: err}
}

// IsSoft reports whether err is a transient database failure.
func IsSoft(err error) bool {
	var s softError
	return errors.As(err, &s)
}

// RetrySoft runs fn, re-running it after soft errors up to RetryLimit
// attempts. Any other outcome is returned immediately. If the limit is
// exhausted, the last soft error is returned as a hard error.
func RetrySoft(fn func() error) error {
	var err error
	for i := 0; i < RetryLimit; i++ {
		err = fn()
		if !IsSoft(err) {
			return err
		}
	}
	var s softError
	if errors.As(err, &s) {
		return s.err
	}
	return err
}
