package imagebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	huggingFaceDefaultEndpoint = "https://api-inference.huggingface.co/models"
	huggingFaceDefaultModel    = "stabilityai/stable-diffusion-xl-base-1.0"
	geminiDefaultEndpoint      = "https://generativelanguage.googleapis.com/v1beta/models"
	geminiDefaultModel         = "gemini-2.0-flash-preview-image-generation"
	openaiDefaultEndpoint      = "https://api.openai.com/v1/images/generations"
	openaiDefaultModel         = openai.CreateImageModelDallE3

	geminiAPIKeyHeader = "x-goog-api-key"
	userAgent          = "towns-image-generator-bot"
)

// RawResponse is an HTTP response from the image backend, fully read.
// Every HTTP response is returned as a RawResponse regardless of status;
// classification is up to the caller.
type RawResponse struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

func (r RawResponse) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("status_code", r.StatusCode),
		slog.String("content_type", r.ContentType),
		slog.Int("body_size", len(r.Body)),
	)
}

// successful reports whether the status code is 2xx
func (r RawResponse) successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// provider describes how to build requests for, and decode responses from,
// one kind of image backend.
type provider struct {
	name       Provider
	newRequest func(ctx context.Context, config *ImageConfig, prompt string) (*http.Request, error)
	decoder    ResponseDecoder
}

// providerDefaults holds each provider's default base URL and model.
// It's kept apart from providers, whose request builders read it through
// ImageConfig.BaseURL and ImageConfig.ModelName.
type providerDefaults struct {
	endpoint string
	model    string
}

var defaultsByProvider = map[Provider]providerDefaults{
	ProviderHuggingFace: {endpoint: huggingFaceDefaultEndpoint, model: huggingFaceDefaultModel},
	ProviderGemini:      {endpoint: geminiDefaultEndpoint, model: geminiDefaultModel},
	ProviderOpenAI:      {endpoint: openaiDefaultEndpoint, model: openaiDefaultModel},
}

func defaultsFor(p Provider) providerDefaults {
	if v, ok := defaultsByProvider[p]; ok {
		return v
	}
	return defaultsByProvider[DefaultImageProvider]
}

var providers = map[Provider]provider{
	ProviderHuggingFace: {
		name:       ProviderHuggingFace,
		newRequest: newHuggingFaceRequest,
		decoder:    binaryDecoder{},
	},
	ProviderGemini: {
		name:       ProviderGemini,
		newRequest: newGeminiRequest,
		decoder:    inlineDataDecoder{},
	},
	ProviderOpenAI: {
		name:       ProviderOpenAI,
		newRequest: newOpenAIRequest,
		decoder:    openAIDecoder{},
	},
}

// providerFor returns the provider for p, falling back to the default
// provider for unknown values (config validation rejects those first).
func providerFor(p Provider) provider {
	if v, ok := providers[p]; ok {
		return v
	}
	return providers[DefaultImageProvider]
}

type huggingFaceRequest struct {
	Inputs string `json:"inputs"`
}

func newHuggingFaceRequest(
	ctx context.Context,
	config *ImageConfig,
	prompt string,
) (*http.Request, error) {
	payload, err := json.Marshal(huggingFaceRequest{Inputs: prompt})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s", config.BaseURL(), config.ModelName())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")
	req.Header.Set("Authorization", "Bearer "+config.Token)
	return req, nil
}

type geminiGenerateRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

func newGeminiRequest(
	ctx context.Context,
	config *ImageConfig,
	prompt string,
) (*http.Request, error) {
	payload, err := json.Marshal(
		geminiGenerateRequest{
			Contents: []geminiContent{
				{
					Role:  "user",
					Parts: []geminiPart{{Text: prompt}},
				},
			},
			GenerationConfig: &geminiGenerationConfig{
				ResponseModalities: []string{"TEXT", "IMAGE"},
			},
		},
	)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s:generateContent", config.BaseURL(), config.ModelName())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(geminiAPIKeyHeader, config.Token)
	return req, nil
}

func newOpenAIRequest(
	ctx context.Context,
	config *ImageConfig,
	prompt string,
) (*http.Request, error) {
	payload, err := json.Marshal(
		openai.ImageRequest{
			Prompt:         prompt,
			Model:          config.ModelName(),
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		},
	)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		config.BaseURL(),
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+config.Token)
	return req, nil
}

// ImageBackend sends single inference requests to the configured image
// backend. It never retries; see RetryController.
type ImageBackend struct {
	config   *ImageConfig
	client   *http.Client
	logger   *slog.Logger
	provider provider
	metrics  *botMetrics

	// maxResponseBytes caps how much of a response body is read
	maxResponseBytes int64
}

// NewImageBackend returns an ImageBackend for the given config. If client
// is nil, http.DefaultClient is used.
func NewImageBackend(
	config *ImageConfig,
	client *http.Client,
	logger *slog.Logger,
) *ImageBackend {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageBackend{
		config:   config,
		client:   client,
		logger:   logger,
		provider: providerFor(config.Provider),

		maxResponseBytes: defaultImageResponseBytesLimit,
	}
}

// Decoder returns the ResponseDecoder matching the backend's provider.
func (b *ImageBackend) Decoder() ResponseDecoder {
	return b.provider.decoder
}

// Send issues one POST for the given prompt. A response with any status
// code is returned as a RawResponse; an error is returned only when the
// request couldn't be made or the response couldn't be read.
func (b *ImageBackend) Send(ctx context.Context, prompt string) (*RawResponse, error) {
	if !b.config.Configured() {
		return nil, ErrConfiguration
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrBlankPrompt
	}

	logger := contextLoggerOr(ctx, b.logger)

	if b.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.RequestTimeout)
		defer cancel()
	}

	req, err := b.provider.newRequest(ctx, b.config, prompt)
	if err != nil {
		return nil, fmt.Errorf("error building %s request: %w", b.provider.name, err)
	}
	req.Header.Set("User-Agent", userAgent)

	logger.DebugContext(
		ctx,
		"sending image request",
		"provider", b.provider.name,
		"model", b.config.ModelName(),
	)

	started := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.metrics.observeBackendResponse(0)
		return nil, fmt.Errorf("image backend request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw := &RawResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
	}
	b.metrics.observeBackendResponse(resp.StatusCode)

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, b.maxResponseBytes+1))
	oversized := int64(len(body)) > b.maxResponseBytes
	if oversized {
		body = body[:b.maxResponseBytes]
	}
	raw.Body = body

	logger.InfoContext(
		ctx,
		"image backend responded",
		"response", raw,
		"duration", time.Since(started),
	)

	if readErr != nil {
		// an unreadable error body still carries a usable status code
		if raw.successful() || errors.Is(readErr, context.Canceled) {
			return nil, fmt.Errorf("error reading image backend response: %w", readErr)
		}
		logger.WarnContext(ctx, "error reading backend error body", tint.Err(readErr))
	}

	if oversized && raw.successful() {
		err = &ResponseTooLargeError{Limit: b.maxResponseBytes}
		logger.ErrorContext(ctx, "image backend response too large", tint.Err(err))
		return nil, err
	}

	if !raw.successful() {
		logger.WarnContext(
			ctx,
			"image backend returned an error status",
			"status_code", raw.StatusCode,
			"body", truncate(string(raw.Body), defaultImageErrorBodyLogLimit),
		)
	}
	return raw, nil
}
