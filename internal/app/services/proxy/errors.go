package proxy

import "fmt"

// Category classifies routing failures so callers can pick a retry policy.
type Category string

const (
	// CategoryServiceUnavailable: service missing or inactive. Permanent.
	CategoryServiceUnavailable Category = "service_unavailable"
	// CategoryRateLimitExceeded: transient, retry after the window elapses.
	CategoryRateLimitExceeded Category = "rate_limit_exceeded"
	// CategoryPaymentVerificationFailed: bad signature or reused nonce. Not
	// retryable with the same nonce.
	CategoryPaymentVerificationFailed Category = "payment_verification_failed"
	// CategoryLedgerError: storage failure before any record was created.
	// The whole call is safe to retry.
	CategoryLedgerError Category = "ledger_error"
	// CategoryUpstreamTransport: network failure or timeout talking to the
	// provider. Recorded as a failed transaction.
	CategoryUpstreamTransport Category = "upstream_transport_error"
	// CategoryUpstreamApplication: non-2xx from the provider. Recorded as
	// failed with status and body; not retried automatically.
	CategoryUpstreamApplication Category = "upstream_application_error"
)

// RouteError is the typed failure surface of the router. TransactionID is
// set when a ledger record exists for the failed call.
type RouteError struct {
	Category      Category
	Message       string
	TransactionID string
	Err           error
}

func (e *RouteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	}
	return string(e.Category)
}

func (e *RouteError) Unwrap() error { return e.Err }

func routeErr(category Category, message string, err error) *RouteError {
	return &RouteError{Category: category, Message: message, Err: err}
}
