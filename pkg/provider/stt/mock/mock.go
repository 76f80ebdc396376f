// Package mock provides a test double for the stt.Provider interface.
//
// Provider returns scripted responses in order and records every request so
// tests can inspect prompts, languages and the uploaded audio.
//
// Example:
//
//	p := &mock.Provider{Responses: []mock.Result{
//	    {Response: &stt.Response{Text: "hello world"}},
//	}}
//	resp, err := p.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pseudostream/pkg/provider/stt"
)

// Result is one scripted Transcribe outcome.
type Result struct {
	Response *stt.Response
	Err      error
}

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is a copy of the request; Audio is copied too.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are returned in call order. When exhausted, the last entry is
	// repeated; with no entries, an empty Response is returned.
	Responses []Result

	// Func, if set, takes precedence over Responses.
	Func func(ctx context.Context, req stt.Request) (*stt.Response, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Response, error) {
	p.mu.Lock()
	cp := req
	cp.Audio = append([]byte(nil), req.Audio...)
	cp.Granularities = append([]stt.Granularity(nil), req.Granularities...)
	i := len(p.TranscribeCalls)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: cp})
	fn := p.Func
	var res Result
	switch {
	case len(p.Responses) == 0:
		res = Result{Response: &stt.Response{}}
	case i < len(p.Responses):
		res = p.Responses[i]
	default:
		res = p.Responses[len(p.Responses)-1]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return res.Response, res.Err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.TranscribeCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
