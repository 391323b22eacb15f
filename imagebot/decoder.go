package imagebot

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultImageMIMEType = "image/png"

// GeneratedImage is a successfully decoded image.
type GeneratedImage struct {
	Data     []byte
	MIMEType string
}

// ByteLength is the size of the decoded image
func (g GeneratedImage) ByteLength() int {
	return len(g.Data)
}

// Filename returns an attachment filename with an extension matching
// the image's MIME type.
func (g GeneratedImage) Filename() string {
	switch g.MIMEType {
	case "image/jpeg", "image/jpg":
		return "generated.jpg"
	case "image/webp":
		return "generated.webp"
	case "image/gif":
		return "generated.gif"
	default:
		return "generated.png"
	}
}

func (g GeneratedImage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mime_type", g.MIMEType),
		slog.Int("bytes", g.ByteLength()),
	)
}

// ResponseDecoder extracts image bytes from a successful backend response.
// Errors wrap ErrMalformedResponse, ErrMissingImageData or ErrEmptyImage.
type ResponseDecoder interface {
	Decode(r *RawResponse) (*GeneratedImage, error)
}

// backendErrorMessage is the `{"error": ...}` body some backends send
// instead of an image.
type backendErrorMessage struct {
	Error         json.RawMessage `json:"error"`
	EstimatedTime *float64        `json:"estimated_time,omitempty"`
}

// message returns the error text whether it was sent as a string or as
// an object with a "message" field.
func (b backendErrorMessage) message() string {
	if len(b.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(b.Error, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Status
	}
	return string(b.Error)
}

// binaryDecoder handles backends that return the image as the raw
// response body.
type binaryDecoder struct{}

func (binaryDecoder) Decode(r *RawResponse) (*GeneratedImage, error) {
	if looksLikeJSON(r.ContentType, r.Body) {
		var msg backendErrorMessage
		if err := json.Unmarshal(r.Body, &msg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if text := msg.message(); text != "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingImageData, text)
		}
		return nil, fmt.Errorf("%w: got a JSON body", ErrMissingImageData)
	}
	if len(r.Body) == 0 {
		return nil, ErrEmptyImage
	}
	return &GeneratedImage{
		Data:     r.Body,
		MIMEType: imageMIMEType(r.ContentType, r.Body),
	}, nil
}

type geminiGenerateResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// inlineDataDecoder handles generateContent responses, which carry the
// image as base64 in candidates[].content.parts[].inlineData.
type inlineDataDecoder struct{}

func (inlineDataDecoder) Decode(r *RawResponse) (*GeneratedImage, error) {
	var resp geminiGenerateResponse
	if err := json.Unmarshal(r.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	var text string
	// set when an inlineData part was present but empty
	var sawEmpty bool
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil {
				if text == "" {
					text = strings.TrimSpace(part.Text)
				}
				continue
			}
			if part.InlineData.Data == "" {
				sawEmpty = true
				continue
			}
			data, err := decodeBase64(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
			}
			if len(data) == 0 {
				sawEmpty = true
				continue
			}
			return &GeneratedImage{
				Data:     data,
				MIMEType: imageMIMEType(part.InlineData.MimeType, data),
			}, nil
		}
	}

	switch {
	case sawEmpty:
		return nil, ErrEmptyImage
	case resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "":
		return nil, fmt.Errorf(
			"%w: prompt blocked (%s)",
			ErrMissingImageData,
			resp.PromptFeedback.BlockReason,
		)
	case text != "":
		return nil, fmt.Errorf("%w: %s", ErrMissingImageData, text)
	default:
		return nil, ErrMissingImageData
	}
}

// openAIDecoder handles images/generations responses requested with
// response_format=b64_json.
type openAIDecoder struct{}

func (openAIDecoder) Decode(r *RawResponse) (*GeneratedImage, error) {
	var resp openai.ImageResponse
	if err := json.Unmarshal(r.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if len(resp.Data) == 0 {
		return nil, ErrMissingImageData
	}
	item := resp.Data[0]
	if item.B64JSON == "" {
		if item.URL != "" {
			return nil, fmt.Errorf(
				"%w: got a URL instead of inline data",
				ErrMissingImageData,
			)
		}
		return nil, ErrMissingImageData
	}
	data, err := decodeBase64(item.B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return &GeneratedImage{
		Data:     data,
		MIMEType: imageMIMEType("", data),
	}, nil
}

// decodeBase64 accepts padded and unpadded, standard and URL-safe
// encodings.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// imageMIMEType returns the declared media type if it's an image type,
// otherwise a sniffed image type, otherwise image/png.
func imageMIMEType(declared string, data []byte) string {
	if declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err == nil && strings.HasPrefix(mediaType, "image/") {
			return mediaType
		}
	}
	if len(data) > 0 {
		sniffed := http.DetectContentType(data)
		if strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
	}
	return defaultImageMIMEType
}

func looksLikeJSON(contentType string, body []byte) bool {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil && (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")) {
			return true
		}
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
