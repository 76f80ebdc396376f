package stream_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/internal/stream"
	"github.com/MrWong99/pseudostream/internal/transcribe"
	"github.com/MrWong99/pseudostream/internal/transcript"
	"github.com/MrWong99/pseudostream/pkg/audio"
	audiomock "github.com/MrWong99/pseudostream/pkg/audio/mock"
	sttmock "github.com/MrWong99/pseudostream/pkg/provider/stt/mock"
	"github.com/MrWong99/pseudostream/pkg/provider/vad"
	vadmock "github.com/MrWong99/pseudostream/pkg/provider/vad/mock"
	"github.com/MrWong99/pseudostream/pkg/types"
)

// ---- helpers ----

type transcribeCall struct {
	samples   int
	committed []types.Word
	offset    float64
}

// fakeTranscriber returns scripted hypotheses; the last one repeats.
type fakeTranscriber struct {
	mu    sync.Mutex
	hyps  []types.Hypothesis
	calls []transcribeCall
}

func (f *fakeTranscriber) Transcribe(_ context.Context, samples []float32, committed []types.Word, offsetSec float64) types.Hypothesis {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, transcribeCall{
		samples:   len(samples),
		committed: append([]types.Word(nil), committed...),
		offset:    offsetSec,
	})
	switch {
	case len(f.hyps) == 0:
		return types.Hypothesis{}
	case i < len(f.hyps):
		return f.hyps[i]
	default:
		return f.hyps[len(f.hyps)-1]
	}
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTranscriber) call(i int) transcribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// chunk returns sec seconds of silence at 16 kHz.
func chunk(sec float64) audio.Chunk {
	return audio.Chunk{Samples: make([]float32, int(sec*16000)), SampleRate: 16000}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func w(start, end float64, text string) types.Word {
	return types.Word{Start: start, End: end, Text: text}
}

func hyp(words ...types.Word) types.Hypothesis { return types.Hypothesis{Words: words} }

// recorder collects callback output.
type recorder struct {
	mu          sync.Mutex
	words       []types.Word
	transcripts []string
}

func (r *recorder) onWord(w types.Word) {
	r.mu.Lock()
	r.words = append(r.words, w)
	r.mu.Unlock()
}

func (r *recorder) onTranscript(s string) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, s)
	r.mu.Unlock()
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.JoinText(r.words)
}

// ---- cadence mode ----

func TestOrchestrator_CadenceFlush(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{}
	clk := newFakeClock()
	o := stream.New(tr, stream.WithoutVAD(), stream.WithClock(clk.Now), stream.WithMetrics(testMetrics(t)))
	ctx := context.Background()

	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 0 {
		t.Fatalf("flushed before MinChunk elapsed")
	}
	clk.Advance(time.Second)
	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", tr.callCount())
	}
	if got := tr.call(0).samples; got != 16000 {
		t.Errorf("transcribed %d samples, want the whole 1s buffer", got)
	}
	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 1 {
		t.Errorf("flushed again without the cadence elapsing")
	}
}

func TestOrchestrator_ResamplesInput(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{}
	o := stream.New(tr, stream.WithoutVAD(), stream.WithMinChunk(0), stream.WithMetrics(testMetrics(t)))
	o.HandleChunk(context.Background(), audio.Chunk{Samples: make([]float32, 48000), SampleRate: 48000})
	if got := tr.call(0).samples; got != 16000 {
		t.Errorf("buffer holds %d samples, want 16000", got)
	}
	if st := o.Stats(); st.BufferSec != 1 {
		t.Errorf("Stats().BufferSec = %v, want 1", st.BufferSec)
	}
}

func TestOrchestrator_LocalAgreementCommits(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{hyps: []types.Hypothesis{
		hyp(w(0, 1, "hello")),
		hyp(w(0, 1, "hello"), w(1, 2, "world")),
		hyp(w(0, 1, "hello"), w(1, 2, "world"), w(2, 3, "there")),
		hyp(w(0, 1, "hello"), w(1, 2, "world"), w(2, 3, "there"), w(3, 4, "foo")),
	}}
	rec := &recorder{}
	o := stream.New(tr,
		stream.WithoutVAD(),
		stream.WithMinChunk(0),
		stream.WithOnWord(rec.onWord),
		stream.WithOnTranscript(rec.onTranscript),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()
	for range 4 {
		o.HandleChunk(ctx, chunk(1))
	}

	if got := o.Transcript().Text(); got != "hello world there" {
		t.Errorf("committed = %q, want %q", got, "hello world there")
	}
	if rec.text() != "hello world there" {
		t.Errorf("OnWord saw %q", rec.text())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"hello", "hello world", "hello world there"}
	if len(rec.transcripts) != len(want) {
		t.Fatalf("OnTranscript calls = %v, want %v", rec.transcripts, want)
	}
	for i := range want {
		if rec.transcripts[i] != want[i] {
			t.Errorf("OnTranscript[%d] = %q, want %q", i, rec.transcripts[i], want[i])
		}
	}
	if c := tr.call(3).committed; types.JoinText(c) != "hello world" {
		t.Errorf("prompt working set = %q, want committed words", types.JoinText(c))
	}
}

func TestOrchestrator_CommittedStartsNonDecreasing(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{hyps: []types.Hypothesis{
		hyp(w(0, 0.5, "a"), w(0.6, 1, "b")),
		hyp(w(0, 0.5, "a"), w(0.6, 1, "b"), w(1.1, 1.5, "c")),
		hyp(w(0, 0.5, "A"), w(0.6, 1, "b"), w(1.1, 1.5, "c"), w(1.6, 2, "d")),
		hyp(w(0, 0.5, "x"), w(0.6, 1, "y")),
	}}
	o := stream.New(tr, stream.WithoutVAD(), stream.WithMinChunk(0), stream.WithMetrics(testMetrics(t)))
	for range 4 {
		o.HandleChunk(context.Background(), chunk(0.5))
	}
	words := o.Transcript().Words()
	for i := 1; i < len(words); i++ {
		if words[i].Start < words[i-1].Start {
			t.Fatalf("word %d starts before word %d: %+v", i, i-1, words)
		}
	}
	if got := types.JoinText(words); got != "a b c" {
		t.Errorf("committed = %q, want %q", got, "a b c")
	}
}

func TestOrchestrator_SegmentTrim(t *testing.T) {
	t.Parallel()

	h := types.Hypothesis{
		Words:    []types.Word{w(0, 1, "one"), w(1, 2, "two"), w(2, 3, "three")},
		Segments: []types.Segment{{Start: 0, End: 1.5, Text: "one"}, {Start: 1.5, End: 3, Text: "two three"}},
	}
	tr := &fakeTranscriber{hyps: []types.Hypothesis{h}}
	o := stream.New(tr,
		stream.WithoutVAD(),
		stream.WithMinChunk(0),
		stream.WithBufferTrim(2),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()
	o.HandleChunk(ctx, chunk(3))
	if st := o.Stats(); st.OffsetSec != 0 {
		t.Fatalf("trimmed before anything was committed: offset %v", st.OffsetSec)
	}
	o.HandleChunk(ctx, chunk(1))
	// "one two three" committed, lastEnd 3: the segment ending at 3 is the cut.
	if st := o.Stats(); st.OffsetSec != 3 || st.BufferSec != 1 {
		t.Errorf("after trim offset = %v, buffer = %vs; want 3, 1", st.OffsetSec, st.BufferSec)
	}
	o.HandleChunk(ctx, chunk(0.5))
	if got := tr.call(2).offset; got != 3 {
		t.Errorf("next request offset = %v, want 3", got)
	}
}

// ---- VAD mode ----

func TestOrchestrator_VADFlushesOnUtteranceEnd(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vadmock.Step{
		{Event: vad.Event{Start: 0.1, HasStart: true}, OK: true},
		{},
		{Event: vad.Event{End: 1.4, HasEnd: true}, OK: true},
		{Event: vad.Event{End: 1.9, HasEnd: true}, OK: true},
	}}
	tr := &fakeTranscriber{}
	clk := newFakeClock()
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{Session: sess}, vad.Config{}),
		stream.WithClock(clk.Now),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()

	o.HandleChunk(ctx, chunk(0.5))
	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 0 {
		t.Fatalf("flushed %d times before the cadence elapsed", tr.callCount())
	}

	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 2 {
		t.Fatalf("utterance end produced %d flushes, want 2", tr.callCount())
	}
	if st := o.Stats(); st.SpeechSec < 1.29 || st.SpeechSec > 1.31 {
		t.Errorf("SpeechSec = %v, want 1.3", st.SpeechSec)
	}

	// Once the cooldown has passed, another end flushes twice again.
	clk.Advance(2 * time.Second)
	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 4 {
		t.Errorf("calls = %d, want 4 after the cooldown elapsed", tr.callCount())
	}

	calls := sess.Calls()
	for i, want := range []float64{0, 0.5, 1.0} {
		if calls[i].OffsetSec != want {
			t.Errorf("Feed #%d offset = %v, want %v", i, calls[i].OffsetSec, want)
		}
		if calls[i].Samples != 8000 {
			t.Errorf("Feed #%d samples = %d, want 8000", i, calls[i].Samples)
		}
	}
}

func TestOrchestrator_VADSilenceHardTrimsBetweenFlushes(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vadmock.Step{
		{Event: vad.Event{Start: 0.1, HasStart: true}, OK: true},
		{Event: vad.Event{End: 1.5, HasEnd: true}, OK: true},
	}}
	h := types.Hypothesis{
		Words:    []types.Word{w(0.1, 0.4, "hello"), w(0.5, 0.9, "world")},
		Segments: []types.Segment{{Start: 0, End: 0.9, Text: "hello world"}},
	}
	tr := &fakeTranscriber{hyps: []types.Hypothesis{h}}
	clk := newFakeClock()
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{Session: sess}, vad.Config{}),
		stream.WithClock(clk.Now),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()

	clk.Advance(time.Second)
	o.HandleChunk(ctx, chunk(1))
	if tr.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 cadence flush in speech", tr.callCount())
	}

	o.HandleChunk(ctx, chunk(1))
	if tr.callCount() != 3 {
		t.Fatalf("calls = %d, want two flushes around the hard trim", tr.callCount())
	}
	if got := o.Transcript().Text(); got != "hello world" {
		t.Errorf("committed = %q, want %q", got, "hello world")
	}

	first, second := tr.call(1), tr.call(2)
	if first.offset != 0 || first.samples != 32000 {
		t.Errorf("first silence flush offset = %v, samples = %d; want 0, 32000", first.offset, first.samples)
	}
	if math.Abs(second.offset-0.9) > 1e-9 {
		t.Errorf("second silence flush offset = %v, want the last committed end 0.9", second.offset)
	}
	if second.samples != 17600 {
		t.Errorf("second silence flush samples = %d, want 17600", second.samples)
	}
}

func TestOrchestrator_VADCooldownSuppressesSecondEnd(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vadmock.Step{
		{Event: vad.Event{Start: 0, End: 0.4, HasStart: true, HasEnd: true}, OK: true},
		{Event: vad.Event{Start: 0.5, End: 0.9, HasStart: true, HasEnd: true}, OK: true},
	}}
	tr := &fakeTranscriber{}
	clk := newFakeClock()
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{Session: sess}, vad.Config{}),
		stream.WithClock(clk.Now),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()
	o.HandleChunk(ctx, chunk(0.5))
	clk.Advance(100 * time.Millisecond)
	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 2 {
		t.Errorf("calls = %d, want 2: second end is inside the cooldown", tr.callCount())
	}
}

func TestOrchestrator_VADInSpeechCadence(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{Script: []vadmock.Step{
		{Event: vad.Event{Start: 0, HasStart: true}, OK: true},
	}}
	tr := &fakeTranscriber{}
	clk := newFakeClock()
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{Session: sess}, vad.Config{}),
		stream.WithClock(clk.Now),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()
	o.HandleChunk(ctx, chunk(0.5))
	clk.Advance(time.Second)
	o.HandleChunk(ctx, chunk(0.5))
	if tr.callCount() != 1 {
		t.Errorf("calls = %d, want 1 cadence flush while in speech", tr.callCount())
	}
}

func TestOrchestrator_VADSilenceNoCadence(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{}
	clk := newFakeClock()
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{Session: &vadmock.Session{}}, vad.Config{}),
		stream.WithClock(clk.Now),
		stream.WithMetrics(testMetrics(t)),
	)
	clk.Advance(5 * time.Second)
	o.HandleChunk(context.Background(), chunk(0.5))
	if tr.callCount() != 0 {
		t.Errorf("flushed %d times outside speech", tr.callCount())
	}
}

func TestOrchestrator_VADSessionErrorFallsBackToCadence(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{}
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{NewSessionErr: errors.New("no vad")}, vad.Config{}),
		stream.WithMinChunk(0),
		stream.WithMetrics(testMetrics(t)),
	)
	o.HandleChunk(context.Background(), chunk(0.5))
	if tr.callCount() != 1 {
		t.Errorf("calls = %d, want cadence flush without a VAD session", tr.callCount())
	}
}

func TestOrchestrator_VADSessionRetriedAfterEngineFailure(t *testing.T) {
	t.Parallel()

	engine := &vadmock.Engine{NewSessionErr: errors.New("no vad")}
	tr := &fakeTranscriber{}
	clk := newFakeClock()
	o := stream.New(tr,
		stream.WithVAD(engine, vad.Config{}),
		stream.WithClock(clk.Now),
		stream.WithMinChunk(0),
		stream.WithMetrics(testMetrics(t)),
	)
	ctx := context.Background()

	o.HandleChunk(ctx, chunk(0.5))
	o.HandleChunk(ctx, chunk(0.5))
	if n := len(engine.NewSessionCalls); n != 1 {
		t.Fatalf("NewSession calls = %d, want 1 inside the retry interval", n)
	}
	if tr.callCount() != 2 {
		t.Fatalf("calls = %d, want cadence flushes while VAD is down", tr.callCount())
	}

	engine.NewSessionErr = nil
	clk.Advance(10 * time.Second)
	o.HandleChunk(ctx, chunk(0.5))
	if n := len(engine.NewSessionCalls); n != 2 {
		t.Fatalf("NewSession calls = %d, want a retry after the interval", n)
	}
	if tr.callCount() != 2 {
		t.Errorf("calls = %d; with VAD back and no speech there is nothing to flush", tr.callCount())
	}
}

// ---- corrector ----

func TestOrchestrator_CorrectsBeforeCommit(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{hyps: []types.Hypothesis{hyp(w(0, 0.5, "grimjaw"))}}
	o := stream.New(tr,
		stream.WithoutVAD(),
		stream.WithMinChunk(0),
		stream.WithCorrector(transcript.NewCorrector([]string{"Grimjaw"})),
		stream.WithMetrics(testMetrics(t)),
	)
	o.HandleChunk(context.Background(), chunk(0.5))
	o.HandleChunk(context.Background(), chunk(0.5))
	if got := o.Transcript().Text(); got != "Grimjaw" {
		t.Errorf("committed = %q, want %q", got, "Grimjaw")
	}
	if o.Stats().Corrections != 1 {
		t.Errorf("Corrections = %d, want 1", o.Stats().Corrections)
	}
}

// ---- lifecycle ----

func TestOrchestrator_StartStop(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{hyps: []types.Hypothesis{
		hyp(w(0, 0.4, "first"), w(0.5, 0.9, "second")),
	}}
	sess := &vadmock.Session{}
	src := audiomock.NewSource(8)
	rec := &recorder{}
	o := stream.New(tr,
		stream.WithVAD(&vadmock.Engine{Session: sess}, vad.Config{}),
		stream.WithOnWord(rec.onWord),
		stream.WithMetrics(testMetrics(t)),
	)

	stop, err := o.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := o.Start(context.Background(), src); !errors.Is(err, stream.ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}

	src.Push(chunk(0.5))
	src.Push(chunk(0.5))
	waitFor(t, func() bool { return o.Stats().BufferSec == 1 })

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Errorf("second stop: %v", err)
	}

	// No utterance ended, so the only request is the final one, which
	// commits everything after the (empty) committed transcript.
	if tr.callCount() != 1 {
		t.Fatalf("calls = %d, want only the final flush", tr.callCount())
	}
	if got := tr.call(0).samples; got != 16000 {
		t.Errorf("final flush saw %d samples, want 16000", got)
	}
	if rec.text() != "second" {
		t.Errorf("committed on stop = %q; words starting at the buffer offset are not new", rec.text())
	}
	if o.State() != stream.StateStopped {
		t.Errorf("State = %v, want stopped", o.State())
	}
	if src.CloseCalls() != 1 {
		t.Errorf("source closed %d times, want 1", src.CloseCalls())
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("vad session closed %d times, want 1", sess.CloseCallCount)
	}

	o.HandleChunk(context.Background(), chunk(1))
	if tr.callCount() != 1 {
		t.Error("chunk after stop was processed")
	}
}

func TestOrchestrator_StopSkipsTinyBuffer(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{}
	src := audiomock.NewSource(1)
	o := stream.New(tr, stream.WithoutVAD(), stream.WithMinChunk(time.Hour), stream.WithMetrics(testMetrics(t)))
	stop, err := o.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Push(audio.Chunk{Samples: make([]float32, 200), SampleRate: 16000})
	src.End()
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if tr.callCount() != 0 {
		t.Errorf("final flush ran on a %d-sample buffer", 200)
	}
}

// stuckTranscriber blocks until its context is cancelled.
type stuckTranscriber struct {
	calls   atomic.Int32
	entered chan struct{}
	once    sync.Once
}

func (s *stuckTranscriber) Transcribe(ctx context.Context, _ []float32, _ []types.Word, _ float64) types.Hypothesis {
	s.calls.Add(1)
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return types.Hypothesis{}
}

func TestOrchestrator_StopHonoursDeadlineDuringFlush(t *testing.T) {
	t.Parallel()

	tr := &stuckTranscriber{entered: make(chan struct{})}
	src := audiomock.NewSource(2)
	o := stream.New(tr, stream.WithoutVAD(), stream.WithMinChunk(0), stream.WithMetrics(testMetrics(t)))
	stop, err := o.Start(context.WithoutCancel(context.Background()), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Push(chunk(1))
	select {
	case <-tr.entered:
	case <-time.After(time.Second):
		t.Fatal("flush never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err = stop(ctx)
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("stop took %v with a 200ms deadline", elapsed)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("stop err = %v, want DeadlineExceeded", err)
	}

	select {
	case <-o.Done():
	case <-time.After(time.Second):
		t.Fatal("capture loop still blocked after stop")
	}
	if n := tr.calls.Load(); n != 1 {
		t.Errorf("transcribe calls = %d, want no final flush after the deadline", n)
	}
	if o.State() != stream.StateStopped {
		t.Errorf("State = %v, want stopped", o.State())
	}
}

func TestOrchestrator_StopReportsTeardownErrors(t *testing.T) {
	t.Parallel()

	src := audiomock.NewSource(1)
	src.CloseError = errors.New("socket gone")
	sess := &vadmock.Session{CloseErr: errors.New("vad gone")}
	o := stream.New(&fakeTranscriber{},
		stream.WithVAD(&vadmock.Engine{Session: sess}, vad.Config{}),
		stream.WithMetrics(testMetrics(t)),
	)
	stop, err := o.Start(context.Background(), src)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = stop(context.Background())
	if err == nil {
		t.Fatal("stop returned nil, want joined teardown errors")
	}
	if sess.CloseCallCount != 1 {
		t.Error("vad session not closed after the source failed to close")
	}
	if o.State() != stream.StateStopped {
		t.Errorf("State = %v, want stopped", o.State())
	}
}

func TestOrchestrator_StartRejectsInvalidVADConfig(t *testing.T) {
	t.Parallel()

	o := stream.New(&fakeTranscriber{},
		stream.WithVAD(nil, vad.Config{High: 1, Low: 2}),
		stream.WithMetrics(testMetrics(t)),
	)
	if _, err := o.Start(context.Background(), audiomock.NewSource(1)); err == nil {
		t.Error("Start accepted high <= low")
	}
}

func TestOrchestrator_FlushSpanParentsTranscription(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	m := testMetrics(t)
	a := transcribe.New(&sttmock.Provider{}, transcribe.WithMetrics(m))
	o := stream.New(a,
		stream.WithID("traced"),
		stream.WithoutVAD(),
		stream.WithMinChunk(0),
		stream.WithMetrics(m),
	)
	o.HandleChunk(context.Background(), chunk(0.5))

	var flush, call *tracetest.SpanStub
	spans := exp.GetSpans()
	for i := range spans {
		switch spans[i].Name {
		case "stream.flush":
			flush = &spans[i]
		case "transcribe.buffer":
			call = &spans[i]
		}
	}
	if flush == nil || call == nil {
		t.Fatalf("spans = %d, want stream.flush and transcribe.buffer", len(spans))
	}
	if call.SpanContext.TraceID() != flush.SpanContext.TraceID() {
		t.Error("transcription span is in a different trace")
	}
	if call.Parent.SpanID() != flush.SpanContext.SpanID() {
		t.Error("transcription span is not a child of the flush span")
	}
	var reason string
	for _, kv := range flush.Attributes {
		if kv.Key == "reason" {
			reason = kv.Value.AsString()
		}
	}
	if reason != "cadence" {
		t.Errorf("flush reason = %q, want cadence", reason)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[stream.State]string{
		stream.StateIdle:      "idle",
		stream.StateCapturing: "capturing",
		stream.StateFlushing:  "flushing",
		stream.StateStopped:   "stopped",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
