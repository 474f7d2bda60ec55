package signature

import "errors"

var (
	// ErrSecretNotConfigured is returned when no shared secret is configured
	// for the provider, so every request to that endpoint must be rejected.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")

	// ErrMissingSignature is returned when the provider did not send a
	// signature or token header.
	ErrMissingSignature = errors.New("signature header missing")

	// ErrInvalidSignature is returned when the signature or token does not
	// match the configured secret.
	ErrInvalidSignature = errors.New("signature mismatch")
)
