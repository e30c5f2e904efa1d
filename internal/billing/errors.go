package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when the provider API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrCustomerNotFound is returned when a customer does not exist at the provider.
	ErrCustomerNotFound = errors.New("billing: customer not found")

	// ErrSubscriptionNotFound is returned when a subscription does not exist at the provider.
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
)

// ProviderError wraps a provider API error with additional context.
type ProviderError struct {
	Message       string // Human-readable error message
	Code          string // Provider error code (e.g., "resource_missing")
	RequestID     string // Provider request ID for debugging
	OriginalError error  // Original error from the provider SDK
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (code: %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s", e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// IsTemporary returns true if the error is likely transient and retryable.
func (e *ProviderError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.Code == "api_connection_error"
}
