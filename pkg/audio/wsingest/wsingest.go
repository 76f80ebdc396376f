// Package wsingest provides an [audio.Source] fed by a WebSocket client.
//
// The client streams binary messages of 16-bit signed little-endian PCM. The
// sample rate and channel count are declared once in the upgrade request's
// query string (?rate=48000&channels=2, defaulting to 16000 Hz mono). A text
// message {"type":"stop"} ends the audio stream while keeping the socket open
// so the server can push the final transcript events back with Send.
package wsingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultRate     = 16000
	defaultChannels = 1
	readLimit       = 1 << 20
	chunkBuffer     = 64
)

// Compile-time assertion that Source implements audio.Source.
var _ audio.Source = (*Source)(nil)

// Control is a text message sent by the client.
type Control struct {
	Type string `json:"type"`
}

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithBandPass applies speech band-pass conditioning to incoming audio.
func WithBandPass(enabled bool) Option {
	return func(s *Source) { s.bandPass = enabled }
}

// WithOriginPatterns sets the allowed cross-origin host patterns for the
// upgrade. See websocket.AcceptOptions.OriginPatterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Source) { s.originPatterns = patterns }
}

// Source is an audio.Source backed by a server-side WebSocket connection.
type Source struct {
	conn     *websocket.Conn
	rate     int
	channels int
	conv     audio.FormatConverter

	bandPass       bool
	originPatterns []string

	ch     chan audio.Chunk
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	writeMu sync.Mutex
}

// Accept upgrades the HTTP request to a WebSocket and starts reading audio.
// The declared format is validated before the upgrade so a bad request gets a
// plain HTTP 400.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Source, error) {
	rate, channels, err := parseFormat(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	s := &Source{
		rate:     rate,
		channels: channels,
		ch:       make(chan audio.Chunk, chunkBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.bandPass {
		s.conv.BandPass = audio.NewBandPass(rate, audio.DefaultHighPassHz, audio.DefaultLowPassHz)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return nil, fmt.Errorf("wsingest: accept: %w", err)
	}
	conn.SetReadLimit(readLimit)
	s.conn = conn

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func parseFormat(r *http.Request) (rate, channels int, err error) {
	q := r.URL.Query()
	rate, channels = defaultRate, defaultChannels
	if v := q.Get("rate"); v != "" {
		rate, err = strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, 0, fmt.Errorf("wsingest: invalid rate %q", v)
		}
	}
	if v := q.Get("channels"); v != "" {
		channels, err = strconv.Atoi(v)
		if err != nil || channels <= 0 || channels > 8 {
			return 0, 0, fmt.Errorf("wsingest: invalid channels %q", v)
		}
	}
	return rate, channels, nil
}

// SampleRate returns the declared sample rate of the client audio.
func (s *Source) SampleRate() int { return s.rate }

// Chunks implements [audio.Source]. The channel is closed when the client
// sends a stop message, disconnects, or Close is called.
func (s *Source) Chunks() <-chan audio.Chunk { return s.ch }

// Send writes v to the client as a JSON text message. It is safe for
// concurrent use.
func (s *Source) Send(ctx context.Context, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsjson.Write(ctx, s.conn, v); err != nil {
		return fmt.Errorf("wsingest: send: %w", err)
	}
	return nil
}

// Close stops reading and closes the WebSocket with a normal closure status.
// Calling Close more than once is safe.
func (s *Source) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.writeMu.Lock()
		// The peer may already be gone; there is nothing useful to do with
		// a failed close handshake.
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.writeMu.Unlock()
	})
	return nil
}

func (s *Source) readLoop() {
	defer s.wg.Done()
	defer close(s.ch)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Warn("wsingest: read failed", "error", err)
			}
			return
		}

		switch typ {
		case websocket.MessageText:
			var ctrl Control
			if err := json.Unmarshal(data, &ctrl); err != nil {
				slog.Warn("wsingest: ignoring malformed control message", "error", err)
				continue
			}
			if ctrl.Type == "stop" {
				return
			}
		case websocket.MessageBinary:
			chunk := s.conv.Convert(audio.AudioFrame{Data: data, SampleRate: s.rate, Channels: s.channels})
			if len(chunk.Samples) == 0 {
				continue
			}
			select {
			case s.ch <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
	}
}
