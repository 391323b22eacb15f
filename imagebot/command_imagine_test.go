package imagebot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testChannelID     = "chan-1"
	testRequesterID   = "user-1"
	testLoadingMsgID  = "loading-1"
	testImageMsgID    = "image-1"
	testInteractionID = "interaction-1"
)

type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) SendMessage(
	ctx context.Context,
	channelID string,
	content string,
	files ...*discordgo.File,
) (*discordgo.Message, error) {
	args := m.Called(ctx, channelID, content, files)
	msg, _ := args.Get(0).(*discordgo.Message)
	return msg, args.Error(1)
}

func (m *mockMessenger) SendReaction(
	ctx context.Context,
	channelID string,
	messageID string,
	emoji string,
) error {
	return m.Called(ctx, channelID, messageID, emoji).Error(0)
}

func (m *mockMessenger) RemoveMessage(ctx context.Context, channelID, messageID string) error {
	return m.Called(ctx, channelID, messageID).Error(0)
}

func contentContains(s string) any {
	return mock.MatchedBy(
		func(content string) bool {
			return strings.Contains(content, s)
		},
	)
}

func fileCount(n int) any {
	return mock.MatchedBy(
		func(files []*discordgo.File) bool {
			return len(files) == n
		},
	)
}

// callOrder records the order of messenger calls
type callOrder struct {
	mu    sync.Mutex
	calls []string
}

func (c *callOrder) add(name string) func(mock.Arguments) {
	return func(mock.Arguments) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.calls = append(c.calls, name)
	}
}

func (c *callOrder) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.calls...)
}

type stubGenerator struct {
	calls    atomic.Int64
	generate func(ctx context.Context, prompt string) (*GeneratedImage, *RetryState, error)
}

func (s *stubGenerator) Generate(
	ctx context.Context,
	prompt string,
) (*GeneratedImage, *RetryState, error) {
	s.calls.Add(1)
	return s.generate(ctx, prompt)
}

// scriptedBackend is an httptest server replying with the given
// statuses in order. A 200 is answered with pngBytes, unless okBody
// is set.
type scriptedBackend struct {
	server   *httptest.Server
	calls    atomic.Int64
	statuses []int
	okBody   string
}

func newScriptedBackend(t testing.TB, statuses ...int) *scriptedBackend {
	t.Helper()
	b := &scriptedBackend{statuses: statuses}
	b.server = httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				n := int(b.calls.Add(1)) - 1
				status := b.statuses[min(n, len(b.statuses)-1)]
				if status != http.StatusOK {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(status)
					_, _ = io.WriteString(w, `{"error":"Model test/model is currently loading","estimated_time":20.0}`)
					return
				}
				if b.okBody != "" {
					w.Header().Set("Content-Type", "application/json")
					_, _ = io.WriteString(w, b.okBody)
					return
				}
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(pngBytes)
			},
		),
	)
	t.Cleanup(b.server.Close)
	return b
}

// newTestImaginer wires an Imaginer to a real ImageBackend and
// RetryController talking to backend. Backoff waits are recorded, not
// slept.
func newTestImaginer(
	t testing.TB,
	backend *scriptedBackend,
) (*Imaginer, *mockMessenger, *[]time.Duration) {
	t.Helper()
	cfg := newTestImageConfig(backend.server.URL, ProviderHuggingFace)
	gen, waits := newTestRetryController(
		NewImageBackend(cfg, backend.server.Client(), nil),
	)
	m := &mockMessenger{}
	return NewImaginer(m, gen, cfg, nil), m, waits
}

func imagineCommand(prompt string) CommandInvocation {
	return CommandInvocation{
		Name:          DiscordSlashCommandImagine,
		Args:          prompt,
		ChannelID:     testChannelID,
		RequesterID:   testRequesterID,
		InteractionID: testInteractionID,
		Source:        GenerationSourceSlashCommand,
	}
}

func expectLoadingNotice(m *mockMessenger, order *callOrder) {
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("is generating"), fileCount(0)).
		Run(order.add("loading")).
		Return(&discordgo.Message{ID: testLoadingMsgID, ChannelID: testChannelID}, nil).
		Once()
}

func expectRemoval(m *mockMessenger, order *callOrder, err error) {
	m.On("RemoveMessage", mock.Anything, testChannelID, testLoadingMsgID).
		Run(order.add("remove")).
		Return(err).
		Once()
}

func TestImaginer_ColdStartThenSuccess(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(
		t,
		http.StatusServiceUnavailable,
		http.StatusServiceUnavailable,
		http.StatusOK,
	)
	im, m, waits := newTestImaginer(t, backend)
	order := &callOrder{}

	var sentImage []byte
	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("here's your image"), fileCount(1)).
		Run(
			func(args mock.Arguments) {
				order.add("image")(args)
				files := args.Get(3).([]*discordgo.File)
				assert.Equal(t, "generated.png", files[0].Name)
				assert.Equal(t, "image/png", files[0].ContentType)
				data, err := io.ReadAll(files[0].Reader)
				assert.NoError(t, err)
				sentImage = data
			},
		).
		Return(&discordgo.Message{ID: testImageMsgID}, nil).
		Once()
	expectRemoval(m, order, nil)

	im.Handle(context.Background(), imagineCommand("a lighthouse at dusk"))

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "RemoveMessage", 1)
	assert.Equal(t, int64(3), backend.calls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *waits)
	assert.Equal(t, pngBytes, sentImage)
	assert.Equal(t, []string{"loading", "image", "remove"}, order.get())
	assert.Equal(t, int64(0), im.InProgress())
}

func TestImaginer_Exhausted(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(t, http.StatusServiceUnavailable)
	im, m, waits := newTestImaginer(t, backend)
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("still loading after 5 tries"), fileCount(0)).
		Run(order.add("error")).
		Return(&discordgo.Message{}, nil).
		Once()
	expectRemoval(m, order, nil)

	im.Handle(context.Background(), imagineCommand("a lighthouse"))

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "RemoveMessage", 1)
	assert.Equal(t, int64(5), backend.calls.Load())
	assert.Len(t, *waits, 4)
	assert.Equal(t, []string{"loading", "error", "remove"}, order.get())
}

func TestImaginer_NoCredentials(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(t, http.StatusOK)
	im, m, _ := newTestImaginer(t, backend)
	im.config.Token = ""

	m.On("SendMessage", mock.Anything, testChannelID, contentContains("isn't set up"), fileCount(0)).
		Return(&discordgo.Message{}, nil).
		Once()

	im.Handle(context.Background(), imagineCommand("a lighthouse"))

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "SendMessage", 1)
	m.AssertNotCalled(t, "RemoveMessage", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, int64(0), backend.calls.Load())
}

func TestImaginer_OKWithoutImage(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(t, http.StatusOK)
	backend.okBody = `{"generated_text":"a lighthouse"}`
	im, m, waits := newTestImaginer(t, backend)
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("sorry"), fileCount(0)).
		Run(order.add("error")).
		Return(&discordgo.Message{}, nil).
		Once()
	expectRemoval(m, order, nil)

	im.Handle(context.Background(), imagineCommand("a lighthouse"))

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "RemoveMessage", 1)
	assert.Equal(t, int64(1), backend.calls.Load())
	assert.Empty(t, *waits)
}

func TestImaginer_BlankPrompt(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{}
	m := &mockMessenger{}
	im := NewImaginer(m, gen, &ImageConfig{Token: "hf_test"}, nil)

	m.On("SendMessage", mock.Anything, testChannelID, contentContains("Usage"), fileCount(0)).
		Return(&discordgo.Message{}, nil).
		Once()

	im.Handle(context.Background(), imagineCommand("   "))

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "SendMessage", 1)
	assert.Equal(t, int64(0), gen.calls.Load())
}

func TestImaginer_GeneratorPanics(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{
		generate: func(context.Context, string) (*GeneratedImage, *RetryState, error) {
			panic("kaboom")
		},
	}
	m := &mockMessenger{}
	im := NewImaginer(m, gen, &ImageConfig{Token: "hf_test"}, nil)
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("something went wrong"), fileCount(0)).
		Run(order.add("error")).
		Return(&discordgo.Message{}, nil).
		Once()
	expectRemoval(m, order, nil)

	assert.NotPanics(
		t, func() {
			im.Handle(context.Background(), imagineCommand("a lighthouse"))
		},
	)

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "RemoveMessage", 1)
	assert.Equal(t, int64(0), im.InProgress())
}

func TestImaginer_RemovalFailureSwallowed(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{
		generate: func(context.Context, string) (*GeneratedImage, *RetryState, error) {
			return &GeneratedImage{Data: pngBytes, MIMEType: "image/png"}, &RetryState{Attempt: 1}, nil
		},
	}
	m := &mockMessenger{}
	im := NewImaginer(m, gen, &ImageConfig{Token: "hf_test"}, nil)
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("here's your image"), fileCount(1)).
		Return(&discordgo.Message{ID: testImageMsgID}, nil).
		Once()
	expectRemoval(m, order, &DeliveryError{Op: "remove_message", Err: errors.New("unknown message")})

	assert.NotPanics(
		t, func() {
			im.Handle(context.Background(), imagineCommand("a lighthouse"))
		},
	)

	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "RemoveMessage", 1)
}

func TestImaginer_RemovalPanicRecovered(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{
		generate: func(context.Context, string) (*GeneratedImage, *RetryState, error) {
			return nil, &RetryState{Attempt: 1}, &FatalGenerationError{Attempt: 1, Err: ErrEmptyImage}
		},
	}
	m := &mockMessenger{}
	im := NewImaginer(m, gen, &ImageConfig{Token: "hf_test"}, nil)
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("empty image"), fileCount(0)).
		Return(&discordgo.Message{}, nil).
		Once()
	m.On("RemoveMessage", mock.Anything, testChannelID, testLoadingMsgID).
		Panic("session closed").
		Once()

	assert.NotPanics(
		t, func() {
			im.Handle(context.Background(), imagineCommand("a lighthouse"))
		},
	)
	m.AssertNumberOfCalls(t, "RemoveMessage", 1)
	assert.Equal(t, int64(0), im.InProgress())
}

func TestImaginer_LoadingNoticeFails(t *testing.T) {
	t.Parallel()

	gen := &stubGenerator{
		generate: func(context.Context, string) (*GeneratedImage, *RetryState, error) {
			return &GeneratedImage{Data: pngBytes, MIMEType: "image/png"}, &RetryState{Attempt: 1}, nil
		},
	}
	m := &mockMessenger{}
	im := NewImaginer(m, gen, &ImageConfig{Token: "hf_test"}, nil)

	m.On("SendMessage", mock.Anything, testChannelID, contentContains("is generating"), fileCount(0)).
		Return(nil, &DeliveryError{Op: "send_message", Err: errors.New("missing permissions")}).
		Once()
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("here's your image"), fileCount(1)).
		Return(&discordgo.Message{ID: testImageMsgID}, nil).
		Once()

	im.Handle(context.Background(), imagineCommand("a lighthouse"))

	m.AssertExpectations(t)
	m.AssertNotCalled(t, "RemoveMessage", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, int64(1), gen.calls.Load())
}

func TestImaginer_CleanupAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	gen := &stubGenerator{
		generate: func(ctx context.Context, _ string) (*GeneratedImage, *RetryState, error) {
			cancel()
			<-ctx.Done()
			return nil, &RetryState{Attempt: 1}, &FatalGenerationError{Attempt: 1, Err: ctx.Err()}
		},
	}
	m := &mockMessenger{}
	im := NewImaginer(m, gen, &ImageConfig{Token: "hf_test"}, nil)
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("shutting down"), fileCount(0)).
		Run(
			func(args mock.Arguments) {
				sendCtx := args.Get(0).(context.Context)
				assert.NoError(t, sendCtx.Err(), "final reply should not use the canceled context")
			},
		).
		Return(&discordgo.Message{}, nil).
		Once()
	m.On("RemoveMessage", mock.Anything, testChannelID, testLoadingMsgID).
		Run(
			func(args mock.Arguments) {
				removeCtx := args.Get(0).(context.Context)
				assert.NoError(t, removeCtx.Err(), "removal should not use the canceled context")
			},
		).
		Return(nil).
		Once()

	im.Handle(ctx, imagineCommand("a lighthouse"))
	m.AssertExpectations(t)
}

func TestImaginer_RecordsGeneration(t *testing.T) {
	t.Parallel()

	backend := newScriptedBackend(t, http.StatusServiceUnavailable, http.StatusOK)
	im, m, _ := newTestImaginer(t, backend)
	db := newTestDB(t)
	im.db = db
	im.metrics = newBotMetrics()
	order := &callOrder{}

	expectLoadingNotice(m, order)
	m.On("SendMessage", mock.Anything, testChannelID, contentContains("here's your image"), fileCount(1)).
		Return(&discordgo.Message{ID: testImageMsgID}, nil).
		Once()
	expectRemoval(m, order, nil)

	im.Handle(context.Background(), imagineCommand("a lighthouse"))
	m.AssertExpectations(t)

	records, err := db.ListGenerations(context.Background(), GenerationQuery{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, GenerationStateSucceeded, rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 5*time.Second, rec.Backoff.Duration)
	assert.Equal(t, "image/png", rec.MIMEType)
	assert.Equal(t, len(pngBytes), rec.ImageBytes)
	assert.Equal(t, testLoadingMsgID, rec.LoadingMessageID)
	assert.Equal(t, "a lighthouse", rec.Prompt)
	assert.Equal(t, testRequesterID, rec.RequesterID)
	assert.Equal(t, GenerationSourceSlashCommand, rec.Source)
	assert.Equal(t, string(ProviderHuggingFace), rec.Provider)
	assert.Equal(t, "test/model", rec.Model)
	assert.NotEmpty(t, rec.CorrelationID)
	assert.NotZero(t, rec.FinishedAt)
	assert.Empty(t, rec.Error)
}

func TestGenerationFailedMessage(t *testing.T) {
	t.Parallel()

	req := GenerationRequest{RequesterID: testRequesterID, Prompt: "x"}

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "exhausted",
			err:      &ExhaustedRetriesError{Attempts: 5},
			expected: "still loading after 5 tries",
		},
		{
			name: "status",
			err: &FatalGenerationError{
				Attempt: 1,
				Err:     &BackendStatusError{StatusCode: http.StatusUnauthorized},
			},
			expected: "HTTP 401",
		},
		{
			name: "missing image data",
			err: &FatalGenerationError{
				Attempt: 1,
				Err:     fmt.Errorf("%w: prompt blocked (SAFETY)", ErrMissingImageData),
			},
			expected: "prompt blocked (SAFETY)",
		},
		{
			name:     "malformed",
			err:      &FatalGenerationError{Attempt: 1, Err: ErrMalformedResponse},
			expected: "couldn't read",
		},
		{
			name:     "timeout",
			err:      &FatalGenerationError{Attempt: 1, Err: context.DeadlineExceeded},
			expected: "timed out",
		},
		{
			name:     "network",
			err:      &FatalGenerationError{Attempt: 1, Err: errors.New("dial tcp: connection refused")},
			expected: "couldn't be reached",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				msg := generationFailedMessage(req, tc.err)
				assert.Contains(t, msg, tc.expected)
				assert.True(t, strings.HasPrefix(msg, mention(testRequesterID)))
			},
		)
	}
}

func TestLoadingMessageLength(t *testing.T) {
	t.Parallel()

	req := GenerationRequest{
		RequesterID: testRequesterID,
		Prompt:      strings.Repeat("very long prompt ", 500),
	}
	assert.LessOrEqual(t, len([]rune(loadingMessage(req))), discordMaxMessageLength)
	assert.LessOrEqual(t, len([]rune(imageReadyMessage(req))), discordMaxMessageLength)
	assert.Contains(t, loadingMessage(req), "…")
}
