package imagebot

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when the image backend has no
	// credentials. No request is ever sent in that case.
	ErrConfiguration = errors.New("image backend credentials are not configured")

	// ErrBlankPrompt is returned when the prompt is empty or whitespace.
	ErrBlankPrompt = errors.New("prompt is blank")

	// ErrMalformedResponse means the backend payload could not be parsed
	// as the expected structure.
	ErrMalformedResponse = errors.New("malformed backend response")

	// ErrMissingImageData means the payload parsed, but had no image data
	// where the schema puts it.
	ErrMissingImageData = errors.New("no image data in backend response")

	// ErrEmptyImage means image data was present but decoded to zero bytes.
	ErrEmptyImage = errors.New("backend returned an empty image")
)

// TransientBackendError is a response indicating the model is temporarily
// unavailable (usually cold-starting). It is retried.
type TransientBackendError struct {
	StatusCode int
	Body       string
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("image backend temporarily unavailable (status %d)", e.StatusCode)
}

// BackendStatusError is a non-2xx response that isn't transient.
type BackendStatusError struct {
	StatusCode int
	Body       string
}

func (e *BackendStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("image backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("image backend returned status %d: %s", e.StatusCode, e.Body)
}

// ResponseTooLargeError is a successful response whose body is larger
// than the backend client accepts. The image would be truncated, so it
// is treated as malformed.
type ResponseTooLargeError struct {
	Limit int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("%v: body exceeds %d bytes", ErrMalformedResponse, e.Limit)
}

func (e *ResponseTooLargeError) Unwrap() error {
	return ErrMalformedResponse
}

// ExhaustedRetriesError is returned after MaxAttempts consecutive
// transient responses.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf(
		"model still loading after %d attempts, try again later: %v",
		e.Attempts,
		e.Last,
	)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}

// FatalGenerationError wraps any non-retryable failure. Attempt is the
// attempt number on which it happened.
type FatalGenerationError struct {
	Attempt int
	Err     error
}

func (e *FatalGenerationError) Error() string {
	return fmt.Sprintf("image generation failed on attempt %d: %v", e.Attempt, e.Err)
}

func (e *FatalGenerationError) Unwrap() error {
	return e.Err
}

// DeliveryError is a failure to post, react to, or remove a chat message.
// These are logged, never escalated.
type DeliveryError struct {
	Op        string
	ChannelID string
	MessageID string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf(
			"%s failed (channel=%s message=%s): %v",
			e.Op, e.ChannelID, e.MessageID, e.Err,
		)
	}
	return fmt.Sprintf("%s failed (channel=%s): %v", e.Op, e.ChannelID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
