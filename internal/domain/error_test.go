package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode(t *testing.T) {
	if got := ErrorCode(nil); got != "" {
		t.Errorf("ErrorCode(nil) = %q, want empty", got)
	}

	err := Invalid("capacity.authorize", "capacity must be positive")
	if got := ErrorCode(err); got != EINVALID {
		t.Errorf("ErrorCode = %q, want %q", got, EINVALID)
	}

	// Non-domain errors report internal
	if got := ErrorCode(errors.New("plain")); got != EINTERNAL {
		t.Errorf("ErrorCode = %q, want %q", got, EINTERNAL)
	}

	// Wrapped domain errors are still visible through fmt wrapping
	wrapped := fmt.Errorf("outer: %w", NotFound("subscription.get", "subscription", "abc"))
	if got := ErrorCode(wrapped); got != ENOTFOUND {
		t.Errorf("ErrorCode(wrapped) = %q, want %q", got, ENOTFOUND)
	}
}

func TestErrorMessage_HidesInternalDetails(t *testing.T) {
	err := Internal(errors.New("pq: connection refused"), "subscription.get", "query failed")
	msg := ErrorMessage(err)
	if msg == "query failed" || msg == "pq: connection refused" {
		t.Errorf("internal error message leaked: %q", msg)
	}

	user := Invalid("checkout.subscription", "invalid billing interval")
	if got := ErrorMessage(user); got != "invalid billing interval" {
		t.Errorf("ErrorMessage = %q", got)
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, EINTERNAL, "op", "msg") != nil {
		t.Error("WrapError(nil) should be nil")
	}

	underlying := errors.New("root cause")
	err := WrapError(underlying, EINTERNAL, "credits.add", "failed to record")
	if !errors.Is(err, underlying) {
		t.Error("wrapped error lost its cause")
	}
	if ErrorOp(err) != "credits.add" {
		t.Errorf("ErrorOp = %q", ErrorOp(err))
	}
}

func TestIsCode(t *testing.T) {
	err := PaymentRequired("credits.deduct", "insufficient credit balance")
	if !IsCode(err, EPAYMENT) {
		t.Error("IsCode(EPAYMENT) = false")
	}
	if IsCode(err, ENOTFOUND) {
		t.Error("IsCode(ENOTFOUND) = true")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Code: EINVALID, Op: "tiers.resolve", Message: "bad capacity"}
	if got := err.Error(); got != "tiers.resolve: bad capacity" {
		t.Errorf("Error() = %q", got)
	}

	err = &Error{Code: EINTERNAL, Op: "credits.add", Message: "insert failed", Err: errors.New("timeout")}
	if got := err.Error(); got != "credits.add: insert failed: timeout" {
		t.Errorf("Error() = %q", got)
	}
}
