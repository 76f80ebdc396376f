// Package stream runs pseudo-streaming transcription for one capture source.
//
// An [Orchestrator] owns a rolling audio [Buffer], an optional VAD session
// and the committed transcript of its stream. Every chunk is resampled to
// 16 kHz and appended; on a cadence (or at the end of an utterance when VAD
// is enabled) the whole buffer is re-transcribed, the words two consecutive
// passes agree on are committed, and the buffer is trimmed behind them.
//
// A single goroutine started by [Orchestrator.Start] processes chunks in
// order. At most one transcription request is in flight per stream; chunks
// arriving meanwhile wait in the source channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/internal/transcript"
	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/provider/vad"
	"github.com/MrWong99/pseudostream/pkg/provider/vad/energy"
	"github.com/MrWong99/pseudostream/pkg/types"
)

// ErrAlreadyStarted is returned by Start on an orchestrator that has been
// started before.
var ErrAlreadyStarted = errors.New("stream: already started")

const (
	defaultMinChunk        = time.Second
	defaultBufferTrimSec   = 8.0
	defaultSilenceCooldown = 600 * time.Millisecond

	// finalFlushMinSamples is the smallest buffer worth a last request on stop.
	finalFlushMinSamples = 200

	// finalTailEpsilon separates the final pass's tail from committed words.
	finalTailEpsilon = 1e-3

	// vadRetryInterval spaces attempts to create a VAD session after the
	// engine failed.
	vadRetryInterval = 5 * time.Second
)

// Flush triggers reported in metrics.
const (
	flushCadence = "cadence"
	flushSilence = "silence"
	flushFinal   = "final"
)

// Transcriber produces a hypothesis for a buffer. *transcribe.Adapter is the
// production implementation.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, committed []types.Word, offsetSec float64) types.Hypothesis
}

// State is the lifecycle position of an [Orchestrator].
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateFlushing
	StateStopped
)

// String returns a human-readable label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateFlushing:
		return "flushing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StopFunc stops a running stream. Calls after the first are no-ops.
type StopFunc func(ctx context.Context) error

// Stats is a point-in-time snapshot of a stream.
type Stats struct {
	ID             string  `json:"id"`
	State          string  `json:"state"`
	Requests       int     `json:"requests"`
	SpeechSec      float64 `json:"speech_sec"`
	CommittedWords int     `json:"committed_words"`
	Corrections    int     `json:"corrections"`
	BufferSec      float64 `json:"buffer_sec"`
	OffsetSec      float64 `json:"offset_sec"`
}

// Option is a functional option for [New].
type Option func(*Orchestrator)

// WithID names the stream in logs, spans and stats.
func WithID(id string) Option {
	return func(o *Orchestrator) { o.id = id }
}

// WithClock replaces time.Now for the flush cadence and silence cooldown.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithVAD enables utterance-driven flushing with sessions from engine.
// A nil engine selects the energy detector.
func WithVAD(engine vad.Engine, cfg vad.Config) Option {
	return func(o *Orchestrator) {
		o.useVAD = true
		o.vadEngine = engine
		o.vadCfg = cfg
	}
}

// WithoutVAD flushes purely on the MinChunk cadence.
func WithoutVAD() Option {
	return func(o *Orchestrator) { o.useVAD = false }
}

// WithMinChunk sets the minimum time between cadence flushes. Default: 1s.
func WithMinChunk(d time.Duration) Option {
	return func(o *Orchestrator) { o.minChunk = d }
}

// WithBufferTrim sets the buffer length above which segment trimming
// starts, in seconds. Default: 8.
func WithBufferTrim(sec float64) Option {
	return func(o *Orchestrator) { o.bufferTrimSec = sec }
}

// WithSilenceCooldown sets the minimum time between utterance-end flushes.
// Default: 600ms.
func WithSilenceCooldown(d time.Duration) Option {
	return func(o *Orchestrator) { o.silenceCooldown = d }
}

// WithBandPass limits captured audio to [highPassHz, lowPassHz] before
// resampling.
func WithBandPass(highPassHz, lowPassHz float64) Option {
	return func(o *Orchestrator) {
		o.bandPass = true
		o.highPassHz, o.lowPassHz = highPassHz, lowPassHz
	}
}

// WithCorrector applies vocabulary correction to fresh words before commit.
func WithCorrector(c *transcript.Corrector) Option {
	return func(o *Orchestrator) { o.corrector = c }
}

// WithOnWord registers a callback fired for every committed word.
func WithOnWord(fn func(types.Word)) Option {
	return func(o *Orchestrator) { o.onWord = fn }
}

// WithOnTranscript registers a callback fired with the full committed text
// after every commit.
func WithOnTranscript(fn func(string)) Option {
	return func(o *Orchestrator) { o.onTranscript = fn }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator drives the capture, flush, agree, commit and trim cycle of one
// stream. HandleChunk and Stop may be called from different goroutines;
// processing is serialised internally.
type Orchestrator struct {
	transcriber Transcriber

	id              string
	now             func() time.Time
	useVAD          bool
	vadEngine       vad.Engine
	vadCfg          vad.Config
	minChunk        time.Duration
	bufferTrimSec   float64
	silenceCooldown time.Duration
	bandPass        bool
	highPassHz      float64
	lowPassHz       float64
	corrector       *transcript.Corrector
	onWord          func(types.Word)
	onTranscript    func(string)
	metrics         *observe.Metrics

	committed *transcript.Committed
	stopped   atomic.Bool
	started   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
	cancel    context.CancelFunc
	quit      chan struct{}
	done      chan struct{}

	// procMu serialises chunk processing and the final flush. The fields
	// below it are owned by whoever holds it.
	procMu           sync.Mutex
	buf              Buffer
	prevHyp          []types.Word
	vadSession       vad.SessionHandle
	vadDisabled      bool
	vadRetryAt       time.Time
	filter           *audio.BandPass
	filterRate       int
	inSpeech         bool
	speechStart      float64
	hasSpeechStart   bool
	lastFlush        time.Time
	lastSilenceFlush time.Time

	// mu guards the snapshot fields read by Stats.
	mu          sync.Mutex
	state       State
	requests    int
	speechSec   float64
	corrections int
	bufferSec   float64
	offsetSec   float64
}

// New creates an orchestrator that transcribes through t. VAD is enabled
// with the energy detector and default tunables unless configured otherwise.
func New(t Transcriber, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transcriber:     t,
		id:              "stream",
		now:             time.Now,
		useVAD:          true,
		vadCfg:          vad.DefaultConfig(),
		minChunk:        defaultMinChunk,
		bufferTrimSec:   defaultBufferTrimSec,
		silenceCooldown: defaultSilenceCooldown,
		committed:       transcript.NewCommitted(),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.useVAD && o.vadEngine == nil {
		o.vadEngine = energy.Engine{}
	}
	o.lastFlush = o.now()
	return o
}

// ID returns the stream name.
func (o *Orchestrator) ID() string { return o.id }

// Done is closed when the capture loop ends, whether the source ran dry, the
// start context was cancelled or the stream was stopped. The StopFunc must
// still be called to flush and release resources.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Transcript returns the committed transcript. It is safe to read while the
// stream runs.
func (o *Orchestrator) Transcript() *transcript.Committed { return o.committed }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a snapshot of the stream's counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		ID:             o.id,
		State:          o.state.String(),
		Requests:       o.requests,
		SpeechSec:      o.speechSec,
		CommittedWords: o.committed.Len(),
		Corrections:    o.corrections,
		BufferSec:      o.bufferSec,
		OffsetSec:      o.offsetSec,
	}
}

// Start begins consuming src in a background goroutine and returns the
// function that stops it. The loop ends when src closes its channel, ctx is
// cancelled or the StopFunc is called; only the StopFunc performs the final
// flush and releases resources.
func (o *Orchestrator) Start(ctx context.Context, src audio.Source) (StopFunc, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	o.procMu.Lock()
	err := o.initVAD()
	o.procMu.Unlock()
	if err != nil {
		o.vadRetryAt, o.vadDisabled = time.Time{}, false
		o.started.Store(false)
		return nil, err
	}

	o.setState(StateCapturing)
	o.metrics.ActiveStreams.Add(ctx, 1)
	slog.Info("stream: started", "stream", o.id, "vad", o.useVAD)

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	go o.run(loopCtx, src)

	return func(stopCtx context.Context) error {
		o.stopOnce.Do(func() { o.stopErr = o.stop(stopCtx, src) })
		return o.stopErr
	}, nil
}

func (o *Orchestrator) run(ctx context.Context, src audio.Source) {
	defer close(o.done)
	chunks := src.Chunks()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.quit:
			return
		case c, ok := <-chunks:
			if !ok {
				slog.Debug("stream: source ended", "stream", o.id)
				return
			}
			o.HandleChunk(ctx, c)
		}
	}
}

// stop tears the stream down. Every step runs even when an earlier one
// fails; failures are logged and returned joined. When ctx expires while a
// flush is in flight, the loop context is cancelled, the final flush is
// skipped and the VAD session is released once the loop has returned.
func (o *Orchestrator) stop(ctx context.Context, src audio.Source) error {
	o.stopped.Store(true)
	close(o.quit)

	var errs []error
	if err := src.Close(); err != nil {
		slog.Warn("stream: failed to close source", "stream", o.id, "err", err)
		errs = append(errs, fmt.Errorf("stream: close source: %w", err))
	}

	timedOut := false
	select {
	case <-o.done:
	case <-ctx.Done():
		select {
		case <-o.done:
		default:
			slog.Warn("stream: stop timed out waiting for the capture loop", "stream", o.id)
			errs = append(errs, fmt.Errorf("stream: wait for loop: %w", ctx.Err()))
			timedOut = true
		}
	}
	o.cancel()

	if timedOut {
		go func() {
			<-o.done
			o.procMu.Lock()
			defer o.procMu.Unlock()
			_ = o.closeVAD()
		}()
	} else {
		o.procMu.Lock()
		o.finalFlush(ctx)
		if err := o.closeVAD(); err != nil {
			errs = append(errs, err)
		}
		o.procMu.Unlock()
	}

	o.setState(StateStopped)
	o.metrics.ActiveStreams.Add(ctx, -1)

	st := o.Stats()
	slog.Info("stream: stopped",
		"stream", o.id,
		"requests", st.Requests,
		"speech_sec", st.SpeechSec,
		"committed_words", st.CommittedWords,
	)
	return errors.Join(errs...)
}

// closeVAD releases the VAD session. Must be called with procMu held.
func (o *Orchestrator) closeVAD() error {
	if o.vadSession == nil {
		return nil
	}
	s := o.vadSession
	o.vadSession = nil
	if err := s.Close(); err != nil {
		slog.Warn("stream: failed to close vad session", "stream", o.id, "err", err)
		return fmt.Errorf("stream: close vad: %w", err)
	}
	return nil
}

// HandleChunk processes one captured chunk: conditioning, VAD and, when due,
// a transcription cycle. Chunks received after Stop are ignored.
func (o *Orchestrator) HandleChunk(ctx context.Context, c audio.Chunk) {
	if o.stopped.Load() || len(c.Samples) == 0 {
		return
	}
	o.procMu.Lock()
	defer o.procMu.Unlock()
	if o.stopped.Load() {
		return
	}
	if o.State() == StateIdle {
		o.setState(StateCapturing)
	}

	samples := c.Samples
	if o.bandPass {
		if o.filter == nil || o.filterRate != c.SampleRate {
			o.filter = audio.NewBandPass(c.SampleRate, o.highPassHz, o.lowPassHz)
			o.filterRate = c.SampleRate
		}
		samples = o.filter.Process(samples)
	}
	mono := audio.Resample16k(samples, c.SampleRate)

	feedOffset := o.buf.EndSec()
	o.buf = o.buf.Append(mono)
	o.publishBuffer()

	if o.useVAD && o.vadSession == nil {
		if err := o.initVAD(); err != nil {
			slog.Warn("stream: vad unavailable, flushing on cadence", "stream", o.id, "err", err)
		}
	}
	if o.vadSession == nil {
		if o.now().Sub(o.lastFlush) >= o.minChunk {
			o.flush(ctx, flushCadence)
		}
		return
	}
	o.handleVAD(ctx, mono, feedOffset)
}

func (o *Orchestrator) handleVAD(ctx context.Context, mono []float32, feedOffset float64) {
	ev, ok := o.vadSession.Feed(mono, feedOffset)
	if ok && ev.HasStart {
		o.inSpeech = true
		o.speechStart, o.hasSpeechStart = ev.Start, true
		slog.Debug("stream: speech started", "stream", o.id, "at", ev.Start)
	}
	if ok && ev.HasEnd {
		slog.Debug("stream: speech ended", "stream", o.id, "at", ev.End)
		if o.hasSpeechStart {
			d := max(0, ev.End-o.speechStart)
			o.mu.Lock()
			o.speechSec += d
			o.mu.Unlock()
			o.metrics.RecordSpeech(ctx, d)
			o.hasSpeechStart = false
		}
		if o.now().Sub(o.lastSilenceFlush) > o.silenceCooldown {
			o.flush(ctx, flushSilence)
			before := o.buf.OffsetSec
			o.buf = o.buf.HardTrim(o.committed.LastEnd(o.buf.OffsetSec))
			if o.buf.OffsetSec != before {
				o.metrics.RecordTrim(ctx, trimHard)
				o.publishBuffer()
			}
			o.lastSilenceFlush = o.now()
			o.inSpeech = false
			o.flush(ctx, flushSilence)
		}
		return
	}
	if o.inSpeech && o.now().Sub(o.lastFlush) >= o.minChunk {
		o.flush(ctx, flushCadence)
	}
}

// initVAD creates the VAD session. An invalid config disables VAD for good;
// an engine failure is retried after vadRetryInterval. Must be called with
// procMu held.
func (o *Orchestrator) initVAD() error {
	if !o.useVAD || o.vadDisabled || o.vadSession != nil {
		return nil
	}
	now := o.now()
	if now.Before(o.vadRetryAt) {
		return nil
	}
	cfg := o.vadCfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		o.vadDisabled = true
		return fmt.Errorf("stream: vad config: %w", err)
	}
	s, err := o.vadEngine.NewSession(cfg)
	if err != nil {
		o.vadRetryAt = now.Add(vadRetryInterval)
		return fmt.Errorf("stream: create vad session: %w", err)
	}
	o.vadSession = s
	return nil
}

// flush runs one transcription cycle over the whole buffer. Must be called
// with procMu held.
func (o *Orchestrator) flush(ctx context.Context, reason string) {
	o.setState(StateFlushing)
	defer o.setState(StateCapturing)

	ctx, span := o.startFlushSpan(ctx, reason)
	defer span.End()

	o.lastFlush = o.now()
	o.mu.Lock()
	o.requests++
	o.mu.Unlock()
	o.metrics.RecordFlush(ctx, reason)

	hyp := o.transcriber.Transcribe(ctx, o.buf.Samples, o.buf.Recent, o.buf.OffsetSec)

	lastEnd := o.committed.LastEnd(o.buf.OffsetSec)
	fresh := transcript.LocalAgreement(o.prevHyp, hyp.Words, lastEnd)
	o.commit(ctx, fresh)
	o.prevHyp = hyp.Words

	before := o.buf.OffsetSec
	o.buf = o.buf.TrimBySegment(hyp.Segments, o.committed.LastEnd(o.buf.OffsetSec), o.bufferTrimSec)
	if o.buf.OffsetSec != before {
		o.metrics.RecordTrim(ctx, trimSegment)
	}
	o.publishBuffer()
	span.SetAttributes(attribute.Int("words.fresh", len(fresh)))
}

// finalFlush transcribes what is left in the buffer and commits the words
// after the last committed one. Must be called with procMu held.
func (o *Orchestrator) finalFlush(ctx context.Context) {
	if len(o.buf.Samples) <= finalFlushMinSamples {
		return
	}
	ctx, span := o.startFlushSpan(ctx, flushFinal)
	defer span.End()

	o.mu.Lock()
	o.requests++
	o.mu.Unlock()
	o.metrics.RecordFlush(ctx, flushFinal)

	hyp := o.transcriber.Transcribe(ctx, o.buf.Samples, o.buf.Recent, o.buf.OffsetSec)
	lastEnd := o.committed.LastEnd(o.buf.OffsetSec)
	var tail []types.Word
	for _, w := range hyp.Words {
		if w.Start > lastEnd+finalTailEpsilon {
			tail = append(tail, w)
		}
	}
	o.commit(ctx, tail)
	span.SetAttributes(attribute.Int("words.fresh", len(tail)))
}

func (o *Orchestrator) startFlushSpan(ctx context.Context, reason string) (context.Context, trace.Span) {
	ctx, span := observe.StartSpan(observe.WithStream(ctx, o.id), "stream.flush")
	span.SetAttributes(
		attribute.String("stream", o.id),
		attribute.String("reason", reason),
		attribute.Float64("buffer.offset_sec", o.buf.OffsetSec),
	)
	return ctx, span
}

// commit corrects, appends and announces fresh words. Must be called with
// procMu held.
func (o *Orchestrator) commit(ctx context.Context, fresh []types.Word) {
	if len(fresh) == 0 {
		return
	}
	fresh, corrections := o.corrector.Correct(fresh)
	for _, c := range corrections {
		slog.Debug("stream: vocabulary correction",
			"stream", o.id, "original", c.Original, "corrected", c.Corrected, "confidence", c.Confidence)
	}

	accepted := o.committed.Append(fresh...)
	if len(accepted) == 0 {
		return
	}
	o.buf = o.buf.Remember(accepted)

	o.mu.Lock()
	o.corrections += len(corrections)
	o.mu.Unlock()
	o.metrics.RecordCommit(ctx, len(accepted), len(corrections))

	if o.onWord != nil {
		for _, w := range accepted {
			o.onWord(w)
		}
	}
	if o.onTranscript != nil {
		o.onTranscript(o.committed.Text())
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateStopped {
		return
	}
	o.state = s
}

func (o *Orchestrator) publishBuffer() {
	o.mu.Lock()
	o.bufferSec = o.buf.DurationSec()
	o.offsetSec = o.buf.OffsetSec
	o.mu.Unlock()
}
