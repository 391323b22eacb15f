package imagebot

import (
	"log/slog"
	"strings"
	"time"
)

const (
	columnGenerationState         = "state"
	columnGenerationAttempts      = "attempts"
	columnGenerationBackoff       = "backoff"
	columnGenerationMIMEType      = "mime_type"
	columnGenerationImageBytes    = "image_bytes"
	columnGenerationError         = "error"
	columnGenerationFinishedAt    = "finished_at"
	columnGenerationLoadingNotice = "loading_message_id"
	columnGenerationRequesterID   = "requester_id"
)

// GenerationState is the final (or current) outcome of a GenerationRecord
type GenerationState string

const (
	GenerationStateInProgress GenerationState = "in_progress"
	GenerationStateSucceeded  GenerationState = "succeeded"
	GenerationStateExhausted  GenerationState = "exhausted"
	GenerationStateFailed     GenerationState = "failed"
)

func (s GenerationState) String() string {
	return string(s)
}

// Finished reports whether the generation has reached a terminal state
func (s GenerationState) Finished() bool {
	switch s {
	case GenerationStateSucceeded, GenerationStateExhausted, GenerationStateFailed:
		return true
	default:
		return false
	}
}

// GenerationSource identifies how a generation was requested
type GenerationSource string

const (
	GenerationSourceSlashCommand GenerationSource = "slash_command"
	GenerationSourceMessage      GenerationSource = "message"
)

// CommandInvocation is a parsed command from the dispatch layer, whether
// it came from a slash command or a text prefix.
type CommandInvocation struct {
	Name          string
	Args          string
	ChannelID     string
	RequesterID   string
	InteractionID string

	// MessageID is set when the command came from a text message
	MessageID string
	Source    GenerationSource
}

func (c CommandInvocation) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", c.Name),
		slog.String("channel_id", c.ChannelID),
		slog.String("requester_id", c.RequesterID),
		slog.String("source", string(c.Source)),
	}
	if c.InteractionID != "" {
		attrs = append(attrs, slog.String("interaction_id", c.InteractionID))
	}
	if c.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", c.MessageID))
	}
	return slog.GroupValue(attrs...)
}

// MessageEvent is an inbound chat message
type MessageEvent struct {
	Text      string
	ChannelID string
	MessageID string
	AuthorID  string
	CreatedAt time.Time
}

// ReactionEvent is an emoji reaction added to a message
type ReactionEvent struct {
	Emoji     string
	ChannelID string
	MessageID string
	UserID    string
}

// GenerationRequest is a single request to turn a prompt into an image.
// It's never modified after being built.
type GenerationRequest struct {
	Prompt        string
	RequesterID   string
	ChannelID     string
	InteractionID string
	SubmittedAt   time.Time
}

func (g GenerationRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("prompt", truncate(g.Prompt, 100)),
		slog.String("requester_id", g.RequesterID),
		slog.String("channel_id", g.ChannelID),
		slog.Time("submitted_at", g.SubmittedAt),
	)
}

// NewGenerationRequest builds a GenerationRequest from an invocation.
// The prompt is trimmed; an empty prompt returns ErrBlankPrompt.
func NewGenerationRequest(c CommandInvocation, now time.Time) (
	GenerationRequest,
	error,
) {
	prompt := strings.TrimSpace(c.Args)
	if prompt == "" {
		return GenerationRequest{}, ErrBlankPrompt
	}
	return GenerationRequest{
		Prompt:        prompt,
		RequesterID:   c.RequesterID,
		ChannelID:     c.ChannelID,
		InteractionID: c.InteractionID,
		SubmittedAt:   now,
	}, nil
}

// LoadingNotice is the placeholder message shown while an image is
// being generated.
type LoadingNotice struct {
	MessageID string
	ChannelID string
}

// GenerationRecord is the audit row for one generation. Image bytes are
// never stored.
//
//nolint:lll // struct tags
type GenerationRecord struct {
	ModelUintID
	ModelUnixTime

	// CorrelationID ties log lines, API responses and this record together
	CorrelationID string `gorm:"uniqueIndex;not null" json:"correlation_id"`

	Source        GenerationSource `json:"source"`
	InteractionID string           `json:"interaction_id,omitempty"`
	MessageID     string           `json:"message_id,omitempty"`
	ChannelID     string           `gorm:"index" json:"channel_id"`
	RequesterID   string           `gorm:"index" json:"requester_id"`

	// LoadingMessageID is the ID of the loading notice, once posted
	LoadingMessageID string `json:"loading_message_id,omitempty"`

	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
	Model    string `json:"model"`

	State      GenerationState `gorm:"index" json:"state"`
	Attempts   int             `json:"attempts"`
	Backoff    Duration        `json:"backoff"`
	MIMEType   string          `gorm:"column:mime_type" json:"mime_type,omitempty"`
	ImageBytes int             `json:"image_bytes,omitempty"`
	Error      string          `json:"error,omitempty"`

	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

func (g GenerationRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(g.ID)),
		slog.String("correlation_id", g.CorrelationID),
		slog.String("state", string(g.State)),
		slog.Int("attempts", g.Attempts),
	)
}
