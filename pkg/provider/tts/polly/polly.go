// Package polly provides a tts.Provider backed by Amazon Polly.
//
// The AWS client is resolved lazily from the default credential chain on the
// first call, so constructing a Provider never touches the network.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/retry"
)

const (
	defaultRegion = "us-east-1"
	defaultVoice  = "Joanna"
	defaultEngine = "neural"
)

// synthClient is the subset of *polly.Client used by Provider.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Provider implements tts.Provider using Amazon Polly.
type Provider struct {
	mu     sync.Mutex
	client synthClient

	region string
	voice  string
	engine pollytypes.Engine
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithRegion sets the AWS region. Defaults to us-east-1.
func WithRegion(region string) Option {
	return func(p *Provider) {
		if region != "" {
			p.region = region
		}
	}
}

// WithDefaultVoice sets the voice used when a request names none.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithEngine selects "neural" (default) or "standard" synthesis.
func WithEngine(engine string) Option {
	return func(p *Provider) {
		if strings.EqualFold(engine, "standard") {
			p.engine = pollytypes.EngineStandard
		} else if engine != "" {
			p.engine = pollytypes.EngineNeural
		}
	}
}

// withClient injects a client, bypassing AWS config resolution.
func withClient(c synthClient) Option {
	return func(p *Provider) { p.client = c }
}

// New constructs a Polly provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		region: defaultRegion,
		voice:  defaultVoice,
		engine: pollytypes.EngineNeural,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize implements tts.Provider. The result is always mp3.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return nil, retry.Permanent(errors.New("polly: text must not be empty"))
	}
	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.voice
	}
	in := &polly.SynthesizeSpeechInput{
		Engine:       p.engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voiceID),
	}
	if voice.Language != "" {
		in.LanguageCode = pollytypes.LanguageCode(voice.Language)
	}

	out, err := client.SynthesizeSpeech(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("polly: synthesize: %w", classify(err))
	}
	if out == nil || out.AudioStream == nil {
		return nil, retry.Transient(errors.New("polly: empty audio stream"))
	}
	defer out.AudioStream.Close()

	data, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("polly: read audio: %w", err))
	}
	if len(data) == 0 {
		return nil, retry.Transient(errors.New("polly: empty audio stream"))
	}
	return &tts.Audio{Data: data, Format: "mp3"}, nil
}

func (p *Provider) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}

// httpStatus is implemented by the SDK's transport response errors.
type httpStatus interface {
	HTTPStatusCode() int
}

// classify maps Polly failures onto retry semantics. Throttling and server
// faults are retryable; invalid input never is.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Permanent(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return &retry.StatusError{Provider: "polly", Status: 429, Err: err}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"MarksNotSupportedForFormatException", "InvalidSampleRateException",
			"EngineNotSupportedException", "LanguageNotSupportedException", "ValidationException":
			return &retry.StatusError{Provider: "polly", Status: 400, Err: err}
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return &retry.StatusError{Provider: "polly", Status: 400, Err: err}
		}
	}

	status := 0
	var hs httpStatus
	if errors.As(err, &hs) {
		status = hs.HTTPStatusCode()
	}
	return &retry.StatusError{Provider: "polly", Status: status, Err: err}
}

var _ tts.Provider = (*Provider)(nil)
