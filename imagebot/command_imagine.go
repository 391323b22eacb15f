package imagebot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	imagineTextPrefix     = "!imagine"
	loadingPromptMaxChars = 300
	replyPromptMaxChars   = 300

	// deliveryTimeout bounds final replies and loading notice removal,
	// which still run after ctx is canceled
	deliveryTimeout = 30 * time.Second
)

// ImageGenerator turns a prompt into an image, retrying as needed.
// *RetryController implements it.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*GeneratedImage, *RetryState, error)
}

// Imaginer handles the imagine command: it posts a loading notice, runs
// the generator, replies with the image or an error, and always removes
// the loading notice afterward.
type Imaginer struct {
	messenger Messenger
	generator ImageGenerator
	config    *ImageConfig
	logger    *slog.Logger

	// db is optional. When set, each generation gets a GenerationRecord.
	db      DBI
	metrics *botMetrics
	now     func() time.Time

	inProgress atomic.Int64
}

func NewImaginer(
	messenger Messenger,
	generator ImageGenerator,
	config *ImageConfig,
	logger *slog.Logger,
) *Imaginer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Imaginer{
		messenger: messenger,
		generator: generator,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// InProgress returns the number of generations currently running
func (i *Imaginer) InProgress() int64 {
	return i.inProgress.Load()
}

// Handle runs one imagine command to completion. Every outcome is
// reported to the requester as a chat message; nothing is returned.
func (i *Imaginer) Handle(ctx context.Context, cmd CommandInvocation) {
	logger := contextLoggerOr(ctx, i.logger).With("command", cmd)
	ctx = WithLogger(ctx, logger)

	req, err := NewGenerationRequest(cmd, i.now())
	if err != nil {
		logger.InfoContext(ctx, "blank prompt, sending usage hint")
		i.reply(ctx, cmd.ChannelID, usageHintMessage(cmd.RequesterID))
		return
	}

	if !i.config.Configured() {
		logger.WarnContext(ctx, "image generation requested, but no token is configured")
		i.reply(ctx, cmd.ChannelID, configurationErrorMessage(cmd.RequesterID))
		return
	}

	correlationID := uuid.NewString()
	logger = logger.With("correlation_id", correlationID)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "starting generation", "request", req)

	i.inProgress.Add(1)
	i.metrics.generationStarted()
	started := time.Now()

	record := i.createRecord(ctx, cmd, req, correlationID)

	notice := i.postLoadingNotice(ctx, req)
	if notice != nil && record != nil {
		i.updateRecord(
			ctx,
			record,
			map[string]any{columnGenerationLoadingNotice: notice.MessageID},
		)
	}

	var (
		state      = GenerationStateFailed
		img        *GeneratedImage
		retryState *RetryState
		genErr     error
	)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			state = GenerationStateFailed
			genErr = fmt.Errorf("panic during generation: %v", rc)
			i.replyAfterPanic(ctx, req)
		}

		i.removeLoadingNotice(ctx, notice)

		if record != nil {
			i.finishRecord(ctx, record, state, retryState, img, genErr)
		}
		i.inProgress.Add(-1)
		i.metrics.generationFinished(state, time.Since(started))
		logger.InfoContext(
			ctx,
			"generation finished",
			"state", state,
			"duration", time.Since(started),
		)
	}()

	img, retryState, genErr = i.generator.Generate(ctx, req.Prompt)
	if genErr != nil {
		state = GenerationStateFailed
		if isRetryableLater(genErr) {
			state = GenerationStateExhausted
		}
		logger.WarnContext(
			ctx,
			"generation failed",
			"retry_state", retryState,
			tint.Err(genErr),
		)
		i.reply(ctx, req.ChannelID, generationFailedMessage(req, genErr))
		return
	}

	state = GenerationStateSucceeded
	sendCtx, cancel := detachedContext(ctx, deliveryTimeout)
	defer cancel()
	_, err = i.messenger.SendMessage(
		sendCtx,
		req.ChannelID,
		imageReadyMessage(req),
		&discordgo.File{
			Name:        img.Filename(),
			ContentType: img.MIMEType,
			Reader:      bytes.NewReader(img.Data),
		},
	)
	if err != nil {
		i.metrics.observeDeliveryFailure("attachment")
		logger.ErrorContext(ctx, "error sending generated image", tint.Err(err))
		genErr = err
	}
}

// postLoadingNotice posts the placeholder message. If it can't be posted,
// generation continues without one and nil is returned.
func (i *Imaginer) postLoadingNotice(
	ctx context.Context,
	req GenerationRequest,
) *LoadingNotice {
	logger := contextLoggerOr(ctx, i.logger)
	msg, err := i.messenger.SendMessage(ctx, req.ChannelID, loadingMessage(req))
	if err != nil {
		i.metrics.observeDeliveryFailure("loading_notice")
		logger.ErrorContext(ctx, "error posting loading notice", tint.Err(err))
		return nil
	}
	if msg == nil {
		return nil
	}
	channelID := msg.ChannelID
	if channelID == "" {
		channelID = req.ChannelID
	}
	return &LoadingNotice{MessageID: msg.ID, ChannelID: channelID}
}

// removeLoadingNotice deletes the notice. Failures (including panics in
// the messenger) are logged and swallowed.
func (i *Imaginer) removeLoadingNotice(ctx context.Context, notice *LoadingNotice) {
	if notice == nil {
		return
	}
	logger := contextLoggerOr(ctx, i.logger)
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	removeCtx, cancel := detachedContext(ctx, deliveryTimeout)
	defer cancel()
	if err := i.messenger.RemoveMessage(removeCtx, notice.ChannelID, notice.MessageID); err != nil {
		i.metrics.observeDeliveryFailure("remove_loading_notice")
		logger.WarnContext(
			ctx,
			"error removing loading notice",
			"loading_notice", notice,
			tint.Err(err),
		)
		return
	}
	logger.DebugContext(ctx, "removed loading notice", "loading_notice", notice)
}

// reply sends a plain text message, logging any failure
func (i *Imaginer) reply(ctx context.Context, channelID string, content string) {
	sendCtx, cancel := detachedContext(ctx, deliveryTimeout)
	defer cancel()
	if _, err := i.messenger.SendMessage(sendCtx, channelID, content); err != nil {
		i.metrics.observeDeliveryFailure("reply")
		contextLoggerOr(ctx, i.logger).ErrorContext(
			ctx,
			"error sending reply",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}

func (i *Imaginer) replyAfterPanic(ctx context.Context, req GenerationRequest) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	i.reply(ctx, req.ChannelID, unexpectedErrorMessage(req.RequesterID))
}

func (i *Imaginer) createRecord(
	ctx context.Context,
	cmd CommandInvocation,
	req GenerationRequest,
	correlationID string,
) *GenerationRecord {
	if i.db == nil {
		return nil
	}
	record := &GenerationRecord{
		CorrelationID: correlationID,
		Source:        cmd.Source,
		InteractionID: cmd.InteractionID,
		MessageID:     cmd.MessageID,
		ChannelID:     req.ChannelID,
		RequesterID:   req.RequesterID,
		Prompt:        req.Prompt,
		Provider:      string(i.config.Provider),
		Model:         i.config.ModelName(),
		State:         GenerationStateInProgress,
		StartedAt:     req.SubmittedAt.UnixMilli(),
	}
	if _, err := i.db.Create(ctx, record); err != nil {
		contextLoggerOr(ctx, i.logger).ErrorContext(
			ctx,
			"error creating generation record",
			tint.Err(err),
		)
		return nil
	}
	return record
}

func (i *Imaginer) updateRecord(
	ctx context.Context,
	record *GenerationRecord,
	values map[string]any,
) {
	if _, err := i.db.Updates(ctx, record, values); err != nil {
		contextLoggerOr(ctx, i.logger).ErrorContext(
			ctx,
			"error updating generation record",
			"generation", record,
			tint.Err(err),
		)
	}
}

func (i *Imaginer) finishRecord(
	ctx context.Context,
	record *GenerationRecord,
	state GenerationState,
	retryState *RetryState,
	img *GeneratedImage,
	genErr error,
) {
	ctx, cancel := detachedContext(ctx, dbOperationTimeout)
	defer cancel()

	values := map[string]any{
		columnGenerationState:      state,
		columnGenerationFinishedAt: i.now().UnixMilli(),
	}
	if retryState != nil {
		var backoff time.Duration
		for _, d := range retryState.Delays {
			backoff += d
		}
		values[columnGenerationAttempts] = retryState.Attempt
		values[columnGenerationBackoff] = Duration{Duration: backoff}
	}
	if img != nil {
		values[columnGenerationMIMEType] = img.MIMEType
		values[columnGenerationImageBytes] = img.ByteLength()
	}
	if genErr != nil {
		values[columnGenerationError] = truncate(genErr.Error(), 1000)
	}
	i.updateRecord(ctx, record, values)
}

func usageHintMessage(requesterID string) string {
	return fmt.Sprintf(
		"%s tell me what to draw! Usage: `/%s prompt:<description>` or `%s <description>`\n"+
			"Example: `/%s prompt:a lighthouse at dusk, oil painting`",
		mention(requesterID),
		DiscordSlashCommandImagine,
		imagineTextPrefix,
		DiscordSlashCommandImagine,
	)
}

func configurationErrorMessage(requesterID string) string {
	return fmt.Sprintf(
		"%s image generation isn't set up on this bot yet (no image API token). "+
			"Ask an admin to configure one.",
		mention(requesterID),
	)
}

func loadingMessage(req GenerationRequest) string {
	return shortenString(
		fmt.Sprintf(
			"🎨 %s is generating: **%s**\nThis can take a minute if the model is warming up...",
			mention(req.RequesterID),
			shortenString(req.Prompt, loadingPromptMaxChars),
		),
		discordMaxMessageLength,
	)
}

func imageReadyMessage(req GenerationRequest) string {
	return shortenString(
		fmt.Sprintf(
			"%s here's your image for: **%s**",
			mention(req.RequesterID),
			shortenString(req.Prompt, replyPromptMaxChars),
		),
		discordMaxMessageLength,
	)
}

func generationFailedMessage(req GenerationRequest, err error) string {
	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		return fmt.Sprintf(
			"%s the image model is still loading after %d tries. "+
				"Please try again in a minute.",
			mention(req.RequesterID),
			exhausted.Attempts,
		)
	}
	return shortenString(
		fmt.Sprintf(
			"%s sorry, I couldn't generate that image: %s\n"+
				"Please try again, or try a different prompt.",
			mention(req.RequesterID),
			generationFailureReason(err),
		),
		discordMaxMessageLength,
	)
}

func unexpectedErrorMessage(requesterID string) string {
	return fmt.Sprintf(
		"%s something went wrong while generating your image. Please try again.",
		mention(requesterID),
	)
}

// generationFailureReason describes a generation error in terms a chat
// user can act on
func generationFailureReason(err error) string {
	var statusErr *BackendStatusError
	var fatal *FatalGenerationError

	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("the image service returned an error (HTTP %d)", statusErr.StatusCode)
	case errors.Is(err, ErrMissingImageData) && errors.As(err, &fatal):
		return truncate(fatal.Err.Error(), defaultGenerationErrorMaxLength)
	case errors.Is(err, ErrEmptyImage):
		return "the image service returned an empty image"
	case errors.Is(err, ErrMalformedResponse):
		return "the image service sent a response I couldn't read"
	case errors.Is(err, ErrConfiguration):
		return "image generation isn't configured"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, context.Canceled):
		return "the bot is shutting down"
	default:
		return "the image service couldn't be reached"
	}
}
