// Package openai provides an stt.Provider backed by the OpenAI audio
// transcription API (POST /v1/audio/transcriptions).
//
// The same endpoint shape is served by several compatible vendors (Lemonfox,
// Groq, self-hosted faster-whisper servers), so the base URL is configurable.
// Requests always ask for verbose_json with word and segment timestamps.
//
// Usage:
//
//	p, err := openai.New(apiKey, "whisper-1",
//	    openai.WithBaseURL("https://api.lemonfox.ai/v1"),
//	)
//	resp, err := p.Transcribe(ctx, stt.Request{Audio: wav, Language: "en"})
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/pseudostream/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = "whisper-1"

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries a failed request. The
// default is 0 because the next flush cycle retries with more audio anyway.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI transcription Provider.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// ModelID returns the configured model name.
func (p *Provider) ModelID() string { return p.model }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("openai stt: %w", stt.ErrEmptyAudio)
	}

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(req.Audio), req.FilenameOrDefault(), "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatVerboseJSON,
		Temperature:    oai.Float(req.Temperature),
	}
	if req.Language != "" {
		params.Language = oai.String(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = oai.String(req.Prompt)
	}
	for _, g := range req.Granularities {
		params.TimestampGranularities = append(params.TimestampGranularities, string(g))
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	out, err := stt.DecodeVerboseJSON([]byte(resp.RawJSON()))
	if err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	return out, nil
}
