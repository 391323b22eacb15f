package imagebot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// imaginePromptOption is the option name for the /imagine prompt
	imaginePromptOption = "prompt"

	imaginePromptMaxLength = 1000
	discordRequestRetries  = 2
)

// Discord manages the gateway session, registers the bot's slash
// commands, converts discordgo events for the Dispatcher, and implements
// Messenger.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	dispatcher                  *Dispatcher
	metrics                     *botMetrics
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	botUserID                   atomic.Value
	discordgoRemoveHandlerFuncs []func()

	// runHandler runs an event handler. ImageBot sets it to track
	// handlers for graceful shutdown.
	runHandler func(fn func())
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
		runHandler: func(fn func()) {
			go fn()
		},
	}
	d.botUserID.Store("")
	return d
}

// newSession creates a discordgo session with the configured token,
// intents and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	level := DefaultDiscordgoLogLevel
	if d.config.DiscordGoLogLevel != nil {
		level = d.config.DiscordGoLogLevel.Level()
	}
	if err = session.SetLogLevel(level); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, once the gateway reports it
func (d *Discord) BotUserID() string {
	v, _ := d.botUserID.Load().(string)
	return v
}

// Connected reports whether the gateway connection is up
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func commandContexts() (
	*[]discordgo.InteractionContextType,
	*[]discordgo.ApplicationIntegrationType,
) {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}
	return &contexts, &integrationTypes
}

func appCommandImagine() *discordgo.ApplicationCommand {
	minLength := 1
	dmPerm := true
	contexts, integrationTypes := commandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandImagine,
		Description:      "Generate an image from a text prompt",
		DMPermission:     &dmPerm,
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        imaginePromptOption,
				Description: "What should the image show?",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   imaginePromptMaxLength,
			},
		},
	}
}

func appCommandPing() *discordgo.ApplicationCommand {
	contexts, integrationTypes := commandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandPing,
		Description:      "Check that the bot is alive",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
	}
}

func appCommandHelp() *discordgo.ApplicationCommand {
	contexts, integrationTypes := commandContexts()
	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandHelp,
		Description:      "List the bot's commands",
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         contexts,
		IntegrationTypes: integrationTypes,
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	ctx context.Context,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandImagine(),
		appCommandPing(),
		appCommandHelp(),
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.WarnContext(ctx, "no commands were registered")
	}
	return created, nil
}

// addHandlers registers gateway event handlers on the session
func (d *Discord) addHandlers(ctx context.Context) {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect(ctx)),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerInteractionCreate(ctx)),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
		d.session.AddHandler(d.handlerMessageReactionAdd(ctx)),
	)
}

func (d *Discord) removeHandlers() {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = []func(){}
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUserID.Store(r.User.ID)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"user_id", d.BotUserID(),
			"guilds", len(r.Guilds),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		_, err := d.session.ChannelMessageSendComplex(
			d.config.NotificationChannelID,
			&discordgo.MessageSend{Content: d.config.StartupMessage},
			discordgo.WithContext(ctx),
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		)
		if err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

func (d *Discord) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		d.runHandler(
			func() {
				defer func() {
					if rc := recover(); rc != nil {
						handleRecover(ctx, rc)
					}
				}()
				d.handleInteraction(ctx, i)
			},
		)
	}
}

func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil || m.Author.Bot {
			return
		}
		event := MessageEvent{
			Text:      m.Content,
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			AuthorID:  m.Author.ID,
			CreatedAt: m.Timestamp,
		}
		d.runHandler(
			func() {
				defer func() {
					if rc := recover(); rc != nil {
						handleRecover(ctx, rc)
					}
				}()
				d.dispatcher.HandleMessage(ctx, event)
			},
		)
	}
}

func (d *Discord) handlerMessageReactionAdd(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.MessageReactionAdd,
) {
	return func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.MessageReaction == nil {
			return
		}
		event := ReactionEvent{
			Emoji:     r.Emoji.Name,
			ChannelID: r.ChannelID,
			MessageID: r.MessageID,
			UserID:    r.UserID,
		}
		d.runHandler(
			func() {
				defer func() {
					if rc := recover(); rc != nil {
						handleRecover(ctx, rc)
					}
				}()
				d.dispatcher.HandleReaction(ctx, event)
			},
		)
	}
}

// handleInteraction answers slash commands. /imagine is acknowledged
// with an ephemeral message and handed to the Dispatcher; the others
// are answered directly.
func (d *Discord) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	logger := d.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	data := i.ApplicationCommandData()
	user := getDiscordUser(i)
	if user == nil {
		logger.WarnContext(ctx, "interaction has no user")
		return
	}

	switch data.Name {
	case DiscordSlashCommandImagine:
		var prompt string
		if opt, ok := discordInteractionOptions(i)[imaginePromptOption]; ok {
			prompt = opt.StringValue()
		}
		d.respond(ctx, i, "On it! Your image will show up in this channel.", true)
		d.dispatcher.HandleCommand(
			ctx,
			CommandInvocation{
				Name:          DiscordSlashCommandImagine,
				Args:          prompt,
				ChannelID:     i.ChannelID,
				RequesterID:   user.ID,
				InteractionID: i.ID,
				Source:        GenerationSourceSlashCommand,
			},
		)
	case DiscordSlashCommandPing:
		latency := d.session.HeartbeatLatency()
		d.respond(ctx, i, fmt.Sprintf("pong (%s)", latency.Round(time.Millisecond)), true)
	case DiscordSlashCommandHelp:
		d.respond(ctx, i, helpMessage(), true)
	default:
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		d.respond(ctx, i, "I don't know that command.", true)
	}
}

func (d *Discord) respond(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
	ephemeral bool,
) {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: shortenString(content, discordMaxMessageLength),
		},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := d.session.InteractionRespond(
		i.Interaction,
		resp,
		discordgo.WithContext(ctx),
	); err != nil {
		d.metrics.observeDeliveryFailure("interaction_respond")
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

// SendMessage posts content and any files to channelID. Only user
// mentions are allowed to ping.
func (d *Discord) SendMessage(
	ctx context.Context,
	channelID string,
	content string,
	files ...*discordgo.File,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: shortenString(content, discordMaxMessageLength),
			Files:   files,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		},
		discordgo.WithContext(ctx),
		discordgo.WithRestRetries(discordRequestRetries),
	)
	if err != nil {
		return nil, &DeliveryError{Op: "send_message", ChannelID: channelID, Err: err}
	}
	return msg, nil
}

func (d *Discord) SendReaction(
	ctx context.Context,
	channelID string,
	messageID string,
	emoji string,
) error {
	if err := d.session.MessageReactionAdd(
		channelID,
		messageID,
		emoji,
		discordgo.WithContext(ctx),
	); err != nil {
		return &DeliveryError{
			Op:        "add_reaction",
			ChannelID: channelID,
			MessageID: messageID,
			Err:       err,
		}
	}
	return nil
}

func (d *Discord) RemoveMessage(ctx context.Context, channelID, messageID string) error {
	if err := d.session.ChannelMessageDelete(
		channelID,
		messageID,
		discordgo.WithContext(ctx),
	); err != nil {
		return &DeliveryError{
			Op:        "remove_message",
			ChannelID: channelID,
			MessageID: messageID,
			Err:       err,
		}
	}
	return nil
}

// DiscordSessionHandler is the subset of discordgo.Session used by the
// bot, so it can be swapped out in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSendComplex sends a message, with optional files,
	// to the given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageDelete deletes a message
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// MessageReactionAdd adds an emoji reaction to a message
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite replaces the application's
	// commands with the given list
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// HeartbeatLatency is the latency of the last gateway heartbeat
	HeartbeatLatency() time.Duration

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			"channel_id", channelID,
			"files", len(data.Files),
			tint.Err(err),
		)
		return msg, err
	}
	d.logger.Debug(
		"sent message",
		"channel_id", channelID,
		"message_id", msg.ID,
		"files", len(data.Files),
	)
	return msg, nil
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
