// Package deepgram provides an stt.Provider backed by the Deepgram
// pre-recorded transcription API (POST /v1/listen).
//
// Each call uploads one WAV buffer and requests punctuation, word timings and
// paragraphs. Paragraph sentences become segments; words are assigned to the
// sentence that contains their start time. Deepgram has no free-text prompt,
// so Request.Prompt is ignored; vocabulary hints are sent as keyterms instead.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/pseudostream/pkg/provider/stt"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the listen endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithKeyterms sets vocabulary the recogniser should favour (e.g., character
// names).
func WithKeyterms(terms ...string) Option {
	return func(p *Provider) {
		p.keyterms = append(p.keyterms, terms...)
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram REST API. It is
// safe for concurrent use.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	keyterms   []string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("deepgram: %w", stt.ErrEmptyAudio)
	}
	u, err := p.buildURL(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(req.Audio))
	if err != nil {
		return nil, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+p.apiKey)
	httpReq.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	out, err := parseListenResponse(data)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	if out.Language == "" {
		out.Language = req.Language
	}
	return out, nil
}

// buildURL constructs the listen endpoint URL for one request.
func (p *Provider) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("paragraphs", "true")
	q.Set("smart_format", "false")
	if req.Language != "" {
		q.Set("language", req.Language)
	} else {
		q.Set("detect_language", "true")
	}
	for _, kt := range p.keyterms {
		q.Add("keyterm", kt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- response decoding ----

// listenResponse is the subset of the pre-recorded response we consume.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string `json:"transcript"`
				Words      []struct {
					Word           string  `json:"word"`
					PunctuatedWord string  `json:"punctuated_word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
				} `json:"words"`
				Paragraphs *struct {
					Paragraphs []struct {
						Sentences []struct {
							Text  string  `json:"text"`
							Start float64 `json:"start"`
							End   float64 `json:"end"`
						} `json:"sentences"`
					} `json:"paragraphs"`
				} `json:"paragraphs"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseListenResponse converts a pre-recorded response into an stt.Response.
// Only the first channel and first alternative are used.
func parseListenResponse(data []byte) (*stt.Response, error) {
	var lr listenResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return nil, fmt.Errorf("decode listen response: %w", err)
	}
	out := &stt.Response{Duration: lr.Metadata.Duration}
	if len(lr.Results.Channels) == 0 || len(lr.Results.Channels[0].Alternatives) == 0 {
		return out, nil
	}
	ch := lr.Results.Channels[0]
	alt := ch.Alternatives[0]
	out.Text = alt.Transcript
	out.Language = ch.DetectedLanguage

	words := make([]stt.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, stt.Word{Start: w.Start, End: w.End, Text: text, HasTiming: true})
	}

	if alt.Paragraphs != nil {
		for _, para := range alt.Paragraphs.Paragraphs {
			for _, s := range para.Sentences {
				out.Segments = append(out.Segments, stt.Segment{Start: s.Start, End: s.End, Text: s.Text})
			}
		}
	}
	if len(out.Segments) == 0 {
		if len(words) == 0 {
			return out, nil
		}
		out.Segments = []stt.Segment{{
			Start: words[0].Start,
			End:   words[len(words)-1].End,
			Text:  alt.Transcript,
			Words: words,
		}}
		return out, nil
	}

	// Words belong to the last segment starting at or before them.
	si := 0
	for _, w := range words {
		for si+1 < len(out.Segments) && out.Segments[si+1].Start <= w.Start {
			si++
		}
		out.Segments[si].Words = append(out.Segments[si].Words, w)
	}
	return out, nil
}
