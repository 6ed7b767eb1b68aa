package types

// errorcode.go enumerates the stable machine-readable identifiers carried in
// error response bodies. The taxonomy matters more than the spelling; every
// identifier here is load-bearing for wallets that switch on it.

// An ErrorCode identifies a failure class to API clients.
type ErrorCode string

const (
	// Parameter errors (400).
	CodeParameterMissing   ErrorCode = "PARAMETER_MISSING"
	CodeParameterMalformed ErrorCode = "PARAMETER_MALFORMED"
	CodeParameterInvalid   ErrorCode = "PARAMETER_INVALID_VALUE"

	// Not found (404).
	CodeInstanceUnknown        ErrorCode = "INSTANCE_UNKNOWN"
	CodeOrderUnknown           ErrorCode = "ORDER_UNKNOWN"
	CodeProposalLookupNotFound ErrorCode = "PROPOSAL_LOOKUP_NOT_FOUND"
	CodeTransactionUnknown     ErrorCode = "TRANSACTION_UNKNOWN"
	CodeEndpointUnknown        ErrorCode = "ENDPOINT_UNKNOWN"

	// Conflict (409/412).
	CodeWireFeeCurrencyMismatch ErrorCode = "WIRE_FEE_CURRENCY_MISMATCH"
	CodeExchangeRejected        ErrorCode = "EXCHANGE_REJECTED"

	// Policy (406).
	CodePaymentInsufficient          ErrorCode = "PAYMENT_INSUFFICIENT"
	CodePaymentInsufficientDueToFees ErrorCode = "PAYMENT_INSUFFICIENT_DUE_TO_FEES"
	CodeFeesExceedPayment            ErrorCode = "FEES_EXCEED_PAYMENT"

	// Forbidden (403).
	CodeAbortRefusedPaymentComplete ErrorCode = "ABORT_REFUSED_PAYMENT_COMPLETE"
	CodeRefundExceedsPayment        ErrorCode = "REFUND_EXCEEDS_PAYMENT"

	// Exchange-attributable (424).
	CodeExchangeError      ErrorCode = "EXCHANGE_ERROR"
	CodeConflictingReports ErrorCode = "TRACK_TRANSFER_CONFLICTING_REPORTS"
	CodeBadWireFee         ErrorCode = "TRACK_TRANSFER_BAD_WIRE_FEE"

	// Accepted but incomplete (202).
	CodeTransferPending ErrorCode = "TRANSFER_NOT_YET_EXECUTED"

	// Timeout / unreachable (503).
	CodeExchangeTimeout      ErrorCode = "EXCHANGE_TIMEOUT"
	CodeExchangeNotReachable ErrorCode = "EXCHANGE_NOT_REACHABLE"
	CodeExchangeNotAcceptable ErrorCode = "EXCHANGE_NOT_ACCEPTABLE"
	CodeShutdown             ErrorCode = "SHUTDOWN"

	// Internal (500).
	CodeInternalLogicError   ErrorCode = "INTERNAL_LOGIC_ERROR"
	CodeDBHardError          ErrorCode = "DB_HARD_ERROR"
	CodeDBStorePayError      ErrorCode = "DB_STORE_PAY_ERROR"
	CodeProposalStoreDBError ErrorCode = "PROPOSAL_STORE_DB_ERROR"
	CodeProposalLookupDBError ErrorCode = "PROPOSAL_LOOKUP_DB_ERROR"
	CodeSignatureFailure     ErrorCode = "SIGNATURE_FAILURE"
	CodeHashFailure          ErrorCode = "HASH_FAILURE"
)

// A RequestError carries everything an HTTP layer needs to answer a failed
// request: the status, the stable code, a human hint, and optional
// structured details (e.g. a forwarded exchange reply or a conflict proof).
type RequestError struct {
	Status  int                    `json:"-"`
	Code    ErrorCode              `json:"code"`
	Hint    string                 `json:"hint"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return string(e.Code) + ": " + e.Hint
}

// NewRequestError builds a RequestError without details.
func NewRequestError(status int, code ErrorCode, hint string) *RequestError {
	return &RequestError{Status: status, Code: code, Hint: hint}
}

// WithDetail attaches one named detail and returns the error for chaining.
func (e *RequestError) WithDetail(key string, value interface{}) *RequestError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
