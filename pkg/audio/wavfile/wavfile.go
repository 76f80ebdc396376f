// Package wavfile provides an [audio.Source] that replays a 16-bit PCM WAV
// file, either as fast as the consumer reads or paced in real time.
//
// Usage:
//
//	src, err := wavfile.Open("meeting.wav", wavfile.WithRealtime(true))
//	stop, err := orch.Start(ctx, src)
package wavfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/pseudostream/pkg/audio"
)

const defaultChunkDuration = 100 * time.Millisecond

// Compile-time assertion that Source implements audio.Source.
var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithChunkDuration sets the length of each emitted chunk. Defaults to 100 ms.
func WithChunkDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.chunkDuration = d
		}
	}
}

// WithRealtime paces chunk delivery to wall-clock time, emulating a live
// microphone.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// WithBandPass applies speech band-pass conditioning before emission.
func WithBandPass(enabled bool) Option {
	return func(s *Source) { s.bandPass = enabled }
}

// Source replays decoded WAV samples as a stream of chunks.
type Source struct {
	samples       []float32
	sampleRate    int
	chunkDuration time.Duration
	realtime      bool
	bandPass      bool

	ch     chan audio.Chunk
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Open reads and decodes the WAV file at path and starts replaying it.
func Open(path string, opts ...Option) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read %q: %w", path, err)
	}
	src, err := New(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	return src, nil
}

// New decodes an in-memory WAV file and starts replaying it.
func New(wav []byte, opts ...Option) (*Source, error) {
	pcm, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, err
	}
	s := &Source{
		samples:       audio.Int16ToFloat32(pcm),
		sampleRate:    rate,
		chunkDuration: defaultChunkDuration,
		ch:            make(chan audio.Chunk, 16),
	}
	for _, o := range opts {
		o(s)
	}
	if s.bandPass {
		s.samples = audio.NewBandPass(rate, audio.DefaultHighPassHz, audio.DefaultLowPassHz).Process(s.samples)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.replay(ctx)
	return s, nil
}

// SampleRate returns the native sample rate of the file.
func (s *Source) SampleRate() int { return s.sampleRate }

// DurationSec returns the total length of the file in seconds.
func (s *Source) DurationSec() float64 {
	return audio.Chunk{Samples: s.samples, SampleRate: s.sampleRate}.DurationSec()
}

// Chunks implements [audio.Source]. The channel is closed after the last
// chunk or after Close.
func (s *Source) Chunks() <-chan audio.Chunk { return s.ch }

// Close stops the replay. Calling Close more than once is safe.
func (s *Source) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *Source) replay(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.ch)

	step := int(int64(s.sampleRate) * int64(s.chunkDuration) / int64(time.Second))
	if step <= 0 {
		step = 1
	}

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.chunkDuration)
		defer ticker.Stop()
	}

	for off := 0; off < len(s.samples); off += step {
		end := min(off+step, len(s.samples))
		chunk := audio.Chunk{Samples: s.samples[off:end:end], SampleRate: s.sampleRate}
		select {
		case s.ch <- chunk:
		case <-ctx.Done():
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}
