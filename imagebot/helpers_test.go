package imagebot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()

	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Token   string         `json:"token" log:"[redacted]"`
		Visible string         `json:"visible"`
		Empty   string         `json:"empty"`
		Level   *slog.LevelVar `json:"level"`
		Inner   *inner         `json:"inner"`
		NilPtr  *inner         `json:"nil_ptr"`
		Tags    []string       `json:"tags"`
		NoTag   int
		private string
	}

	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)
	v := structToSlogValue(
		sample{
			Token:   "secret",
			Visible: "shown",
			Level:   lvl,
			Inner:   &inner{Name: "nested"},
			NoTag:   3,
			private: "hidden",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}

	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, "shown", attrs["visible"].String())
	assert.Equal(t, "WARN", attrs["level"].String())
	assert.Equal(t, int64(3), attrs["NoTag"].Any())
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil_ptr")
	assert.NotContains(t, attrs, "tags")
	assert.NotContains(t, attrs, "private")
	assert.Contains(t, attrs["inner"].String(), "nested")

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	var nilSample *sample
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nilSample))
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	ctx := WithLogger(context.Background(), logger)

	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
	assert.Same(t, fallback, contextLoggerOr(context.Background(), fallback))
	assert.NotNil(t, contextLoggerOr(context.Background(), nil))
}

func TestDetachedContext(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(
		WithLogger(context.Background(), slog.Default()),
	)
	cancel()
	require.Error(t, parent.Err())

	ctx, detachedCancel := detachedContext(parent, time.Minute)
	defer detachedCancel()

	assert.NoError(t, ctx.Err())
	_, ok := ContextLogger(ctx)
	assert.True(t, ok, "values should carry over")

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "🎨🎨", truncate("🎨🎨🎨", 2))
	assert.Equal(t, "", truncate("hello", 0))
}

func TestShortenString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", shortenString("hello", 5))
	assert.Equal(t, "hell…", shortenString("hello world", 5))
	assert.Equal(t, "h", shortenString("hello", 1))

	rapid.Check(
		t, func(t *rapid.T) {
			s := rapid.String().Draw(t, "s")
			limit := rapid.IntRange(1, 50).Draw(t, "limit")
			out := shortenString(s, limit)
			if n := utf8.RuneCountInString(out); n > limit {
				t.Fatalf("got %d runes, limit %d: %q", n, limit, out)
			}
			if utf8.RuneCountInString(s) <= limit && out != s {
				t.Fatalf("short string changed: %q -> %q", s, out)
			}
		},
	)
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()

	dmUser := &discordgo.User{ID: "dm"}
	memberUser := &discordgo.User{ID: "member"}

	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: dmUser}}
	assert.Equal(t, dmUser, getDiscordUser(dm))

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: memberUser},
		},
	}
	assert.Equal(t, memberUser, getDiscordUser(guild))

	neither := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(neither))
}

func TestMention(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<@12345>", mention("12345"))
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	ctx := WithLogger(context.Background(), slog.New(slog.NewTextHandler(buf, nil)))

	handleRecover(ctx, errors.New("boom"))
	assert.Contains(t, buf.String(), "recovered from panic")
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	handleRecover(ctx, "plain panic value")
	assert.Contains(t, buf.String(), "plain panic value")
	assert.True(t, strings.Contains(buf.String(), "stack_trace"))
}
