package domain

import "errors"

var (
	// ErrInvalidSignature is returned when a webhook signature fails
	// verification. The receiver maps it to 401.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMissingSecret is returned in production when no webhook secret
	// is configured for the provider.
	ErrMissingSecret = errors.New("webhook secret not configured")

	// ErrInvalidPayload is returned when the body is not valid JSON.
	// The receiver maps it to 400.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrMalformedNotification is returned when a syntactically valid
	// body carries none of the recognized identifier shapes.
	ErrMalformedNotification = errors.New("malformed notification")

	// ErrResourceNotFound is returned when the provider API reports the
	// referenced payment does not exist.
	ErrResourceNotFound = errors.New("payment resource not found")

	// ErrProviderUnavailable is returned when the provider API could
	// not be reached after the retry attempts are exhausted.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	ErrUnknownTopic     = errors.New("unknown notification topic")
	ErrUnknownStatus    = errors.New("unknown payment status")
	ErrProviderNotFound = errors.New("payment provider not found")
	ErrInvalidPlan      = errors.New("unknown plan")
	ErrInvalidEvent     = errors.New("invalid canonical event")
)
