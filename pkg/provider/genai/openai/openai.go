// Package openai provides a genai.Provider backed by OpenAI: audio-capable
// chat completions for the AI persona and the transcription endpoint for
// trainee audio.
//
// Chat requests are sent as raw JSON through the SDK client so that
// input_audio content parts and audio output can be expressed directly.
// Authentication and error decoding stay with the SDK. Retries do not: the
// SDK's own retry loop is disabled and every call goes through [retry.Do],
// which repeats only errors classified as retryable.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/parley/pkg/provider/genai"
	"github.com/MrWong99/parley/pkg/retry"
)

const (
	defaultModel           = "gpt-4o-audio-preview"
	defaultTranscribeModel = oai.AudioModelWhisper1
	defaultMaxRetries      = 2
	defaultRetryBackoff    = 500 * time.Millisecond
)

// Provider implements genai.Provider using the OpenAI API.
type Provider struct {
	client          oai.Client
	model           string
	transcribeModel string
	language        string
	policy          retry.Policy
}

type config struct {
	baseURL         string
	model           string
	transcribeModel string
	language        string
	timeout         time.Duration
	maxRetries      int
	retryBackoff    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the chat model. Default: gpt-4o-audio-preview.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTranscribeModel sets the transcription model. Default: whisper-1.
func WithTranscribeModel(model string) Option {
	return func(c *config) { c.transcribeModel = model }
}

// WithLanguage sets the ISO-639-1 language hint for transcription.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how many times a retryable failure (transport, 429,
// 5xx, malformed response) is repeated. Default: 2.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithRetryBackoff sets the delay before the first retry; later retries
// double it. Default: 500ms.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *config) { c.retryBackoff = d }
}

// New constructs a new OpenAI generative Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{
		model:           defaultModel,
		transcribeModel: string(defaultTranscribeModel),
		maxRetries:      defaultMaxRetries,
		retryBackoff:    defaultRetryBackoff,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:          oai.NewClient(reqOpts...),
		model:           cfg.model,
		transcribeModel: cfg.transcribeModel,
		language:        cfg.language,
		policy:          retry.Policy{Attempts: max(cfg.maxRetries, 0) + 1, Backoff: cfg.retryBackoff},
	}, nil
}

// chatRequest is the subset of the Chat Completions request body Parley uses.
type chatRequest struct {
	Model      string         `json:"model"`
	Messages   []chatMessage  `json:"messages"`
	Modalities []string       `json:"modalities,omitempty"`
	Audio      *audioSettings `json:"audio,omitempty"`
	MaxTokens  int            `json:"max_completion_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	InputAudio *inputAudio `json:"input_audio,omitempty"`
}

type inputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type audioSettings struct {
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Audio   *struct {
				Data       string `json:"data"`
				Transcript string `json:"transcript"`
			} `json:"audio"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate implements genai.Provider.
func (p *Provider) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("openai: build request: %w", err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("openai: encode request: %w", err))
	}

	var res chatResponse
	err = retry.Do(ctx, p.policy, func(ctx context.Context) error {
		res = chatResponse{}
		return p.chat(ctx, payload, &res)
	})
	if err != nil {
		return nil, err
	}

	msg := res.Choices[0].Message
	out := &genai.Response{Text: msg.Content}
	if msg.Audio != nil {
		if out.Text == "" {
			out.Text = msg.Audio.Transcript
		}
		if msg.Audio.Data != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio.Data)
			if err != nil {
				return nil, retry.Permanent(fmt.Errorf("openai: decode audio: %w", err))
			}
			out.Audio = audio
			if body.Audio != nil {
				out.AudioFormat = body.Audio.Format
			}
		}
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

func (p *Provider) chat(ctx context.Context, payload []byte, res *chatResponse) error {
	var raw []byte
	if err := p.client.Post(ctx, "chat/completions", nil, &raw,
		option.WithRequestBody("application/json", payload),
	); err != nil {
		return classify("openai: generate", err)
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return retry.Transient(fmt.Errorf("openai: decode response: %w", err))
	}
	if len(res.Choices) == 0 {
		return retry.Transient(errors.New("openai: empty choices in response"))
	}
	return nil
}

func (p *Provider) buildRequest(req genai.Request) (*chatRequest, error) {
	body := &chatRequest{Model: p.model, MaxTokens: req.MaxTokens}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: genai.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		cm, err := convertMessage(m)
		if err != nil {
			return nil, err
		}
		body.Messages = append(body.Messages, cm)
	}
	if len(body.Messages) == 0 {
		return nil, errors.New("no messages")
	}
	if req.Voice != nil && req.Voice.Name != "" {
		format := req.Voice.Format
		if format == "" {
			format = "mp3"
		}
		body.Modalities = []string{"text", "audio"}
		body.Audio = &audioSettings{Voice: req.Voice.Name, Format: format}
	}
	return body, nil
}

func convertMessage(m genai.Message) (chatMessage, error) {
	switch m.Role {
	case genai.RoleSystem, genai.RoleAssistant:
		return chatMessage{Role: m.Role, Content: m.Text}, nil
	case genai.RoleUser:
		if len(m.Audio) == 0 {
			return chatMessage{Role: m.Role, Content: m.Text}, nil
		}
		var parts []contentPart
		if m.Text != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Text})
		}
		format := m.AudioFormat
		if format == "" {
			format = "mp3"
		}
		parts = append(parts, contentPart{
			Type: "input_audio",
			InputAudio: &inputAudio{
				Data:   base64.StdEncoding.EncodeToString(m.Audio),
				Format: format,
			},
		})
		return chatMessage{Role: m.Role, Content: parts}, nil
	default:
		return chatMessage{}, fmt.Errorf("unknown message role %q", m.Role)
	}
}

// Transcribe implements genai.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, format string) (*genai.Transcription, error) {
	if len(audio) == 0 {
		return nil, retry.Permanent(fmt.Errorf("%w: empty audio", genai.ErrTranscription))
	}
	if format == "" {
		format = "mp3"
	}

	var res *oai.Transcription
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		// The file reader is consumed by each upload.
		params := oai.AudioTranscriptionNewParams{
			File:  oai.File(bytes.NewReader(audio), "turn."+format, mimeType(format)),
			Model: oai.AudioModel(p.transcribeModel),
		}
		if p.language != "" {
			params.Language = param.NewOpt(p.language)
		}
		var err error
		res, err = p.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return classify("openai: transcribe", err)
		}
		return nil
	})
	if err != nil {
		if rejectedInput(err) {
			return nil, fmt.Errorf("%w: %w", genai.ErrTranscription, err)
		}
		return nil, err
	}
	return &genai.Transcription{Text: strings.TrimSpace(res.Text), Language: p.language}, nil
}

// rejectedInput reports whether the API answered with a client error other
// than rate limiting, meaning the audio itself could not be recognised.
func rejectedInput(err error) bool {
	status := retry.StatusCode(err)
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

func mimeType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	case "webm":
		return "audio/webm"
	default:
		return "audio/mpeg"
	}
}

func classify(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, &retry.StatusError{Provider: "openai", Status: apiErr.StatusCode, Err: err})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, retry.Permanent(err))
	}
	return fmt.Errorf("%s: %w", op, &retry.StatusError{Provider: "openai", Err: err})
}

var _ genai.Provider = (*Provider)(nil)
