package authflow

import "errors"

var (
	// ErrBind indicates no loopback port could be bound for the callback listener.
	ErrBind = errors.New("authflow.bind")
	// ErrBrowserLaunch indicates the consent page could not be opened in the default browser.
	ErrBrowserLaunch = errors.New("authflow.browser_launch")
	// ErrTimedOut indicates the browser redirect did not arrive before the deadline.
	ErrTimedOut = errors.New("authflow.timed_out")
	// ErrCancelled indicates the caller abandoned the sign-in.
	ErrCancelled = errors.New("authflow.cancelled")
	// ErrPreempted indicates a newer sign-in replaced this one before it completed.
	ErrPreempted = errors.New("authflow.preempted")
	// ErrInvalidConsentURL indicates the configured consent endpoint is not usable.
	ErrInvalidConsentURL = errors.New("authflow.invalid_consent_url")
)
