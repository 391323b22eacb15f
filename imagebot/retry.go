package imagebot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// RetryPhase is the state of a generation's retry loop
type RetryPhase string

const (
	PhaseAttempting       RetryPhase = "attempting"
	PhaseSucceeded        RetryPhase = "succeeded"
	PhaseTransientFailure RetryPhase = "transient_failure"
	PhaseExhaustedFailure RetryPhase = "exhausted_failure"
	PhaseFatalFailure     RetryPhase = "fatal_failure"
)

// loadingSignals are substrings of backend error messages that mean the
// model is cold-starting
var loadingSignals = []string{
	"currently loading",
	"is loading",
	"model too busy",
}

// RetryState tracks one generation's attempts. It is owned by a single
// Generate call and never shared.
type RetryState struct {
	// Attempt is the 1-based number of the current attempt
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	Phase       RetryPhase

	// Delays holds every wait taken, in order
	Delays []time.Duration
}

// Delay is the wait before the attempt following the current one.
func (s *RetryState) Delay() time.Duration {
	return time.Duration(s.Attempt) * s.BaseDelay
}

func (s *RetryState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("attempt", s.Attempt),
		slog.Int("max_attempts", s.MaxAttempts),
		slog.String("phase", string(s.Phase)),
	)
}

// ImageSender sends a single generation request. *ImageBackend
// implements it.
type ImageSender interface {
	Send(ctx context.Context, prompt string) (*RawResponse, error)
}

// RetryController drives an ImageSender until it produces an image,
// returns a non-retryable failure, or runs out of attempts. Transient
// failures are retried with linear backoff (attempt * BaseDelay).
type RetryController struct {
	sender      ImageSender
	decoder     ResponseDecoder
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
	metrics     *botMetrics

	// wait blocks for the given duration, returning early with an error
	// if ctx is done
	wait func(ctx context.Context, d time.Duration) error
}

func NewRetryController(
	sender ImageSender,
	decoder ResponseDecoder,
	config *ImageConfig,
	logger *slog.Logger,
) *RetryController {
	if logger == nil {
		logger = slog.Default()
	}
	c := &RetryController{
		sender:      sender,
		decoder:     decoder,
		maxAttempts: DefaultImageMaxAttempts,
		baseDelay:   DefaultImageBaseDelay,
		logger:      logger,
		wait:        sleepContext,
	}
	if config != nil {
		if config.MaxAttempts > 0 {
			c.maxAttempts = config.MaxAttempts
		}
		if config.BaseDelay > 0 {
			c.baseDelay = config.BaseDelay
		}
	}
	return c
}

// Generate runs the retry loop for prompt. The returned RetryState is
// never nil. On failure, the error is an *ExhaustedRetriesError or a
// *FatalGenerationError.
func (c *RetryController) Generate(
	ctx context.Context,
	prompt string,
) (*GeneratedImage, *RetryState, error) {
	state := &RetryState{
		Attempt:     1,
		MaxAttempts: c.maxAttempts,
		BaseDelay:   c.baseDelay,
		Phase:       PhaseAttempting,
	}

	logger := contextLoggerOr(ctx, c.logger)

	for {
		state.Phase = PhaseAttempting
		logger.DebugContext(ctx, "generation attempt", "retry_state", state)

		raw, err := c.sender.Send(ctx, prompt)
		if err != nil {
			return nil, state, c.fatal(state, err)
		}

		if transient := transientFailure(raw); transient != nil {
			c.metrics.observeTransientFailure()
			if state.Attempt >= state.MaxAttempts {
				state.Phase = PhaseExhaustedFailure
				logger.WarnContext(
					ctx,
					"giving up after repeated transient failures",
					"retry_state", state,
					tint.Err(transient),
				)
				return nil, state, &ExhaustedRetriesError{
					Attempts: state.Attempt,
					Last:     transient,
				}
			}

			state.Phase = PhaseTransientFailure
			delay := state.Delay()
			state.Delays = append(state.Delays, delay)
			logger.InfoContext(
				ctx,
				"model unavailable, retrying",
				"retry_state", state,
				"status_code", raw.StatusCode,
				"delay", delay,
			)
			if waitErr := c.wait(ctx, delay); waitErr != nil {
				return nil, state, c.fatal(state, waitErr)
			}
			state.Attempt++
			continue
		}

		if !raw.successful() {
			return nil, state, c.fatal(
				state,
				&BackendStatusError{
					StatusCode: raw.StatusCode,
					Body:       truncate(string(raw.Body), defaultImageErrorBodyLogLimit),
				},
			)
		}

		img, err := c.decoder.Decode(raw)
		if err != nil {
			return nil, state, c.fatal(state, err)
		}

		state.Phase = PhaseSucceeded
		logger.InfoContext(
			ctx,
			"generated image",
			"retry_state", state,
			"image", img,
		)
		return img, state, nil
	}
}

func (c *RetryController) fatal(state *RetryState, err error) error {
	state.Phase = PhaseFatalFailure
	return &FatalGenerationError{Attempt: state.Attempt, Err: err}
}

// transientFailure returns a *TransientBackendError if the response means
// the model is temporarily unavailable: a 500 or 503 status, or a body
// reporting the model as loading.
func transientFailure(r *RawResponse) *TransientBackendError {
	switch r.StatusCode {
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return &TransientBackendError{
			StatusCode: r.StatusCode,
			Body:       truncate(string(r.Body), defaultImageErrorBodyLogLimit),
		}
	}
	if isLoadingSignal(r) {
		return &TransientBackendError{
			StatusCode: r.StatusCode,
			Body:       truncate(string(r.Body), defaultImageErrorBodyLogLimit),
		}
	}
	return nil
}

func isLoadingSignal(r *RawResponse) bool {
	if !looksLikeJSON(r.ContentType, r.Body) {
		return false
	}
	var msg backendErrorMessage
	if err := json.Unmarshal(r.Body, &msg); err != nil {
		return false
	}
	if msg.EstimatedTime != nil {
		return true
	}
	text := strings.ToLower(msg.message())
	for _, signal := range loadingSignals {
		if strings.Contains(text, signal) {
			return true
		}
	}
	return false
}

// sleepContext waits for d, or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isRetryableLater reports whether a generation error is one the user can
// fix by trying again in a bit
func isRetryableLater(err error) bool {
	var exhausted *ExhaustedRetriesError
	return errors.As(err, &exhausted)
}
