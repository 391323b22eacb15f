package imagebot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	reactionPong  = "🏓"
	reactionWave  = "👋"
	reactionHeart = "❤️"
)

// Messenger is the outbound side of the chat platform.
type Messenger interface {
	// SendMessage posts content (and optional attachments) to a channel
	SendMessage(
		ctx context.Context,
		channelID string,
		content string,
		files ...*discordgo.File,
	) (*discordgo.Message, error)

	// SendReaction adds an emoji reaction to a message
	SendReaction(ctx context.Context, channelID, messageID, emoji string) error

	// RemoveMessage deletes a message
	RemoveMessage(ctx context.Context, channelID, messageID string) error
}

// CommandHandler handles a single command invocation.
type CommandHandler interface {
	Handle(ctx context.Context, cmd CommandInvocation)
}

var greetingWords = map[string]bool{
	"hello": true,
	"hi":    true,
	"hey":   true,
	"gm":    true,
}

// reactionReplies maps an emoji reaction on any message to the bot's reply.
// %s is replaced with a mention of the reacting user.
var reactionReplies = map[string]string{
	reactionWave:  "%s 👋 hey there!",
	reactionHeart: "%s thanks, glad you like it!",
}

// Dispatcher routes inbound commands, messages and reactions to their
// handlers. Commands that run long (imagine) are run in their own
// goroutine, tracked by wg.
type Dispatcher struct {
	messenger Messenger
	imagine   CommandHandler
	logger    *slog.Logger
	metrics   *botMetrics

	// botUserID returns the bot's own user ID, so its own messages and
	// reactions can be ignored
	botUserID func() string

	wg *sync.WaitGroup
}

func NewDispatcher(
	messenger Messenger,
	imagine CommandHandler,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		messenger: messenger,
		imagine:   imagine,
		logger:    logger,
		botUserID: func() string { return "" },
		wg:        &sync.WaitGroup{},
	}
}

// Wait blocks until all commands started by HandleCommand have returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// HandleCommand routes a command by name. Generation runs in a new
// goroutine; HandleCommand doesn't wait for it. Slash /ping and /help
// are answered by Discord.handleInteraction and never reach here.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd CommandInvocation) {
	logger := contextLoggerOr(ctx, d.logger)
	d.metrics.observeEvent("command_" + cmd.Name)

	switch cmd.Name {
	case DiscordSlashCommandImagine:
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				if rc := recover(); rc != nil {
					handleRecover(ctx, rc)
				}
			}()
			d.imagine.Handle(ctx, cmd)
		}()
	default:
		logger.WarnContext(ctx, "unknown command", "command", cmd)
	}
}

// HandleMessage checks a chat message for a text command or keyword.
// The bot's own messages are ignored.
func (d *Dispatcher) HandleMessage(ctx context.Context, m MessageEvent) {
	if m.AuthorID != "" && m.AuthorID == d.botUserID() {
		return
	}
	logger := contextLoggerOr(ctx, d.logger)
	text := strings.TrimSpace(m.Text)

	if prompt, ok := parseTextCommand(text, imagineTextPrefix); ok {
		logger.InfoContext(ctx, "text imagine command", "message_id", m.MessageID)
		d.HandleCommand(
			ctx,
			CommandInvocation{
				Name:        DiscordSlashCommandImagine,
				Args:        prompt,
				ChannelID:   m.ChannelID,
				RequesterID: m.AuthorID,
				MessageID:   m.MessageID,
				Source:      GenerationSourceMessage,
			},
		)
		return
	}

	words := messageWords(text)
	switch {
	case len(words) > 0 && greetingWords[words[0]]:
		d.metrics.observeEvent("greeting")
		d.send(
			ctx,
			m.ChannelID,
			fmt.Sprintf(
				"%s hello! Try `/%s` to make a picture.",
				mention(m.AuthorID),
				DiscordSlashCommandImagine,
			),
		)
	case len(words) == 1 && words[0] == "ping":
		d.metrics.observeEvent("ping")
		if err := d.messenger.SendReaction(ctx, m.ChannelID, m.MessageID, reactionPong); err != nil {
			d.metrics.observeDeliveryFailure("reaction")
			logger.WarnContext(ctx, "error adding reaction", tint.Err(err))
		}
	}
}

// HandleReaction replies to reactions found in reactionReplies. The
// bot's own reactions are ignored.
func (d *Dispatcher) HandleReaction(ctx context.Context, r ReactionEvent) {
	if r.UserID != "" && r.UserID == d.botUserID() {
		return
	}
	reply, ok := reactionReplies[r.Emoji]
	if !ok {
		return
	}
	d.metrics.observeEvent("reaction")
	d.send(ctx, r.ChannelID, fmt.Sprintf(reply, mention(r.UserID)))
}

func (d *Dispatcher) send(ctx context.Context, channelID string, content string) {
	if _, err := d.messenger.SendMessage(ctx, channelID, content); err != nil {
		d.metrics.observeDeliveryFailure("reply")
		contextLoggerOr(ctx, d.logger).WarnContext(
			ctx,
			"error sending message",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}

// parseTextCommand returns the text after prefix, if text starts with
// prefix followed by whitespace or nothing
func parseTextCommand(text string, prefix string) (string, bool) {
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	rest := text[len(prefix):]
	if rest != "" && !unicode.IsSpace([]rune(rest)[0]) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// messageWords lowercases text and splits it into words, dropping
// surrounding punctuation
func messageWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

func helpMessage() string {
	return fmt.Sprintf(
		"**Commands**\n"+
			"`/%s prompt:<description>` generate an image (or `%s <description>`)\n"+
			"`/%s` check that I'm alive\n"+
			"`/%s` show this message\n\n"+
			"Say hi, or react with %s or %s to one of my messages.",
		DiscordSlashCommandImagine,
		imagineTextPrefix,
		DiscordSlashCommandPing,
		DiscordSlashCommandHelp,
		reactionWave,
		reactionHeart,
	)
}
