package models

import "errors"

// Error taxonomy. Validation failures are dropped and logged;
// eligibility/quota denials are expected filtering outcomes; transient
// delivery errors retry per backoff policy; terminal ones are recorded
// for alerting; store unavailability triggers degraded-mode fallbacks.
var (
	ErrValidation        = errors.New("candidate validation failed")
	ErrEligibilityDenied = errors.New("user not eligible")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrTerminalDelivery  = errors.New("terminal delivery failure")
	ErrStoreUnavailable  = errors.New("store unavailable")
)
