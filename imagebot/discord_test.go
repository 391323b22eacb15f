package imagebot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDiscordSession is a DiscordSessionHandler that records what the bot
// asked it to do, instead of talking to Discord.
type mockDiscordSession struct {
	mu sync.Mutex

	sent        []*discordgo.MessageSend
	sentTo      []string
	deleted     []string
	reactions   []string
	responses   []*discordgo.InteractionResponse
	commands    []*discordgo.ApplicationCommand
	statuses    []string
	handlers    int
	removed     int
	opened      int
	closed      int
	nextMessage int

	sendErr     error
	deleteErr   error
	reactionErr error
	respondErr  error
	openErr     error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened++
	return d.openErr
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.sent = append(d.sent, data)
	d.sentTo = append(d.sentTo, channelID)
	d.nextMessage++
	return &discordgo.Message{
		ID:        "sent-" + strconv.Itoa(d.nextMessage),
		ChannelID: channelID,
		Content:   data.Content,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deleted = append(d.deleted, channelID+"/"+messageID)
	return nil
}

func (d *mockDiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reactionErr != nil {
		return d.reactionErr
	}
	d.reactions = append(d.reactions, channelID+"/"+messageID+"/"+emojiID)
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = commands
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, status)
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers++
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.removed++
	}
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.respondErr != nil {
		return d.respondErr
	}
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) HeartbeatLatency() time.Duration {
	return 42 * time.Millisecond
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (d *mockDiscordSession) Sent() []*discordgo.MessageSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.MessageSend{}, d.sent...)
}

func (d *mockDiscordSession) Responses() []*discordgo.InteractionResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*discordgo.InteractionResponse{}, d.responses...)
}

// newTestDiscord returns a Discord backed by a mockDiscordSession, with
// handlers run synchronously and commands routed to a recordingHandler
func newTestDiscord(t testing.TB) (*Discord, *mockDiscordSession, *recordingHandler) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	session := newMockDiscordSession()

	d := newDiscord(cfg.Discord, nil)
	d.session = session
	d.runHandler = func(fn func()) { fn() }

	h := &recordingHandler{}
	d.dispatcher = NewDispatcher(d, h, nil)
	d.dispatcher.botUserID = d.BotUserID
	return d, session, h
}

func TestDiscord_NewSession(t *testing.T) {
	t.Parallel()

	cfg := DefaultTestConfig(t)
	client := &http.Client{Timeout: 3 * time.Second}
	cfg.Discord.httpClient = client

	d := newDiscord(cfg.Discord, nil)
	handler, err := d.newSession()
	require.NoError(t, err)

	session, ok := handler.(DiscordSession)
	require.True(t, ok)
	assert.Same(t, client, session.session.Client)
	assert.Equal(t, cfg.Discord.GatewayIntents, session.session.Identify.Intents)
	assert.False(t, session.session.StateEnabled)
}

func slashCommand(name string, options ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        testInteractionID,
			AppID:     "100000000000000001",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: testChannelID,
			GuildID:   "guild-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: testRequesterID, Username: "tester"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func promptOption(prompt string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  imaginePromptOption,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: prompt,
	}
}

func TestDiscord_HandleInteraction(t *testing.T) {
	t.Parallel()

	t.Run(
		"imagine", func(t *testing.T) {
			t.Parallel()
			d, session, h := newTestDiscord(t)

			d.handleInteraction(
				context.Background(),
				slashCommand(DiscordSlashCommandImagine, promptOption("a red fox")),
			)
			d.dispatcher.Wait()

			responses := session.Responses()
			require.Len(t, responses, 1)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, responses[0].Data.Flags)

			calls := h.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "a red fox", calls[0].Args)
			assert.Equal(t, testChannelID, calls[0].ChannelID)
			assert.Equal(t, testRequesterID, calls[0].RequesterID)
			assert.Equal(t, testInteractionID, calls[0].InteractionID)
			assert.Equal(t, GenerationSourceSlashCommand, calls[0].Source)
		},
	)

	t.Run(
		"imagine without a prompt still dispatches", func(t *testing.T) {
			t.Parallel()
			d, _, h := newTestDiscord(t)
			d.handleInteraction(context.Background(), slashCommand(DiscordSlashCommandImagine))
			d.dispatcher.Wait()

			calls := h.Calls()
			require.Len(t, calls, 1)
			assert.Empty(t, calls[0].Args)
		},
	)

	t.Run(
		"ping", func(t *testing.T) {
			t.Parallel()
			d, session, h := newTestDiscord(t)
			d.handleInteraction(context.Background(), slashCommand(DiscordSlashCommandPing))

			responses := session.Responses()
			require.Len(t, responses, 1)
			assert.Equal(t, "pong (42ms)", responses[0].Data.Content)
			assert.Empty(t, h.Calls())
		},
	)

	t.Run(
		"help", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			d.handleInteraction(context.Background(), slashCommand(DiscordSlashCommandHelp))

			responses := session.Responses()
			require.Len(t, responses, 1)
			assert.Equal(t, helpMessage(), responses[0].Data.Content)
		},
	)

	t.Run(
		"unknown command", func(t *testing.T) {
			t.Parallel()
			d, session, h := newTestDiscord(t)
			d.handleInteraction(context.Background(), slashCommand("dance"))

			responses := session.Responses()
			require.Len(t, responses, 1)
			assert.Contains(t, responses[0].Data.Content, "don't know")
			assert.Empty(t, h.Calls())
		},
	)

	t.Run(
		"interaction without a user", func(t *testing.T) {
			t.Parallel()
			d, session, h := newTestDiscord(t)
			i := slashCommand(DiscordSlashCommandImagine, promptOption("a red fox"))
			i.Member = nil

			d.handleInteraction(context.Background(), i)
			d.dispatcher.Wait()
			assert.Empty(t, session.Responses())
			assert.Empty(t, h.Calls())
		},
	)

	t.Run(
		"non-command interactions are ignored", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			i := slashCommand(DiscordSlashCommandPing)
			i.Type = discordgo.InteractionPing

			d.handleInteraction(context.Background(), i)
			assert.Empty(t, session.Responses())
		},
	)

	t.Run(
		"respond failure is swallowed", func(t *testing.T) {
			t.Parallel()
			d, session, h := newTestDiscord(t)
			session.respondErr = errors.New("unknown interaction")

			assert.NotPanics(
				t, func() {
					d.handleInteraction(
						context.Background(),
						slashCommand(DiscordSlashCommandImagine, promptOption("a red fox")),
					)
					d.dispatcher.Wait()
				},
			)
			assert.Len(t, h.Calls(), 1)
		},
	)
}

func TestDiscord_SendMessage(t *testing.T) {
	t.Parallel()

	t.Run(
		"content and files", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			file := &discordgo.File{Name: "image.png", ContentType: "image/png"}

			msg, err := d.SendMessage(context.Background(), testChannelID, "here you go", file)
			require.NoError(t, err)
			require.NotNil(t, msg)

			sent := session.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, "here you go", sent[0].Content)
			require.Len(t, sent[0].Files, 1)
			assert.Equal(t, "image.png", sent[0].Files[0].Name)
			require.NotNil(t, sent[0].AllowedMentions)
			assert.Equal(
				t,
				[]discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
				sent[0].AllowedMentions.Parse,
			)
		},
	)

	t.Run(
		"long content is shortened", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			_, err := d.SendMessage(
				context.Background(),
				testChannelID,
				strings.Repeat("a", discordMaxMessageLength*2),
			)
			require.NoError(t, err)

			sent := session.Sent()
			require.Len(t, sent, 1)
			// discord counts characters, not bytes
			assert.Equal(t, discordMaxMessageLength, utf8.RuneCountInString(sent[0].Content))
			assert.True(t, strings.HasSuffix(sent[0].Content, "…"))
		},
	)

	t.Run(
		"failure", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			session.sendErr = errors.New("missing access")

			msg, err := d.SendMessage(context.Background(), testChannelID, "hi")
			assert.Nil(t, msg)

			var deliveryErr *DeliveryError
			require.ErrorAs(t, err, &deliveryErr)
			assert.Equal(t, "send_message", deliveryErr.Op)
			assert.Equal(t, testChannelID, deliveryErr.ChannelID)
			assert.ErrorIs(t, err, session.sendErr)
		},
	)
}

func TestDiscord_RemoveMessage(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)

	require.NoError(t, d.RemoveMessage(context.Background(), testChannelID, testLoadingMsgID))
	assert.Equal(t, []string{testChannelID + "/" + testLoadingMsgID}, session.deleted)

	session.deleteErr = errors.New("unknown message")
	err := d.RemoveMessage(context.Background(), testChannelID, testLoadingMsgID)
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "remove_message", deliveryErr.Op)
	assert.Equal(t, testLoadingMsgID, deliveryErr.MessageID)
}

func TestDiscord_SendReaction(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)

	require.NoError(t, d.SendReaction(context.Background(), testChannelID, "msg-1", reactionPong))
	assert.Equal(t, []string{testChannelID + "/msg-1/" + reactionPong}, session.reactions)

	session.reactionErr = errors.New("forbidden")
	err := d.SendReaction(context.Background(), testChannelID, "msg-1", reactionPong)
	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "add_reaction", deliveryErr.Op)
}

func TestDiscord_RegisterCommands(t *testing.T) {
	t.Parallel()
	d, session, _ := newTestDiscord(t)

	created, err := d.registerCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, created, 3)

	names := make([]string, 0, len(session.commands))
	for _, c := range session.commands {
		names = append(names, c.Name)
	}
	assert.Equal(
		t,
		[]string{DiscordSlashCommandImagine, DiscordSlashCommandPing, DiscordSlashCommandHelp},
		names,
	)

	imagine := session.commands[0]
	require.Len(t, imagine.Options, 1)
	assert.Equal(t, imaginePromptOption, imagine.Options[0].Name)
	assert.True(t, imagine.Options[0].Required)
	assert.Equal(t, discordgo.ApplicationCommandOptionString, imagine.Options[0].Type)
}

func TestDiscord_Handlers(t *testing.T) {
	t.Parallel()

	t.Run(
		"add and remove", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			d.addHandlers(context.Background())
			assert.Equal(t, 6, session.handlers)

			d.removeHandlers()
			assert.Equal(t, 6, session.removed)
			assert.Empty(t, d.discordgoRemoveHandlerFuncs)
		},
	)

	t.Run(
		"ready stores the bot user", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			d.config.CustomStatus = "drawing"

			d.handlerReady()(nil, &discordgo.Ready{User: &discordgo.User{ID: testBotUserID}})
			assert.Equal(t, testBotUserID, d.BotUserID())
			assert.Equal(t, []string{"drawing"}, session.statuses)
		},
	)

	t.Run(
		"connect and disconnect", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			d.config.NotificationChannelID = "notify-1"
			d.config.StartupMessage = "back online"

			d.handlerConnect(context.Background())(nil, &discordgo.Connect{})
			assert.True(t, d.Connected())

			sent := session.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, "back online", sent[0].Content)
			assert.Equal(t, []string{"notify-1"}, session.sentTo)

			d.handlerDisconnect()(nil, &discordgo.Disconnect{})
			assert.False(t, d.Connected())
			assert.Equal(t, int64(1), d.metricDisconnects.Load())
		},
	)

	t.Run(
		"message create ignores bots", func(t *testing.T) {
			t.Parallel()
			d, _, h := newTestDiscord(t)
			handler := d.handlerMessageCreate(context.Background())

			handler(
				nil,
				&discordgo.MessageCreate{
					Message: &discordgo.Message{
						ID:        "m-1",
						ChannelID: testChannelID,
						Content:   "!imagine a boat",
						Author:    &discordgo.User{ID: "other-bot", Bot: true},
					},
				},
			)
			d.dispatcher.Wait()
			assert.Empty(t, h.Calls())

			handler(
				nil,
				&discordgo.MessageCreate{
					Message: &discordgo.Message{
						ID:        "m-2",
						ChannelID: testChannelID,
						Content:   "!imagine a boat",
						Author:    &discordgo.User{ID: testRequesterID},
					},
				},
			)
			d.dispatcher.Wait()

			calls := h.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "a boat", calls[0].Args)
			assert.Equal(t, "m-2", calls[0].MessageID)
		},
	)

	t.Run(
		"reaction add", func(t *testing.T) {
			t.Parallel()
			d, session, _ := newTestDiscord(t)
			d.handlerMessageReactionAdd(context.Background())(
				nil,
				&discordgo.MessageReactionAdd{
					MessageReaction: &discordgo.MessageReaction{
						UserID:    testRequesterID,
						MessageID: "m-3",
						ChannelID: testChannelID,
						Emoji:     discordgo.Emoji{Name: reactionWave},
					},
				},
			)

			sent := session.Sent()
			require.Len(t, sent, 1)
			assert.Contains(t, sent[0].Content, mention(testRequesterID))
		},
	)

	t.Run(
		"interaction handler recovers panics", func(t *testing.T) {
			t.Parallel()
			d, _, _ := newTestDiscord(t)
			d.dispatcher = nil

			assert.NotPanics(
				t, func() {
					d.handlerInteractionCreate(context.Background())(
						nil,
						slashCommand(DiscordSlashCommandImagine, promptOption("a red fox")),
					)
				},
			)
		},
	)
}
