package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
	sttmock "github.com/MrWong99/pseudostream/pkg/provider/stt/mock"
)

func okResult(text string) []sttmock.Result {
	return []sttmock.Result{{Response: &stt.Response{Text: text}}}
}

func failResult(msg string) []sttmock.Result {
	return []sttmock.Result{{Err: errors.New(msg)}}
}

func TestTranscriberFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{Responses: okResult("primary")}
	secondary := &sttmock.Provider{Responses: okResult("secondary")}

	fb := NewTranscriberFallback("primary", primary, BreakerConfig{MaxFailures: 3})
	fb.Add("secondary", secondary)

	resp, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "primary" {
		t.Errorf("Text = %q, want primary", resp.Text)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTranscriberFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{Responses: failResult("primary down")}
	secondary := &sttmock.Provider{Responses: okResult("secondary")}

	fb := NewTranscriberFallback("primary", primary, BreakerConfig{MaxFailures: 3})
	fb.Add("secondary", secondary)

	resp, err := fb.Transcribe(context.Background(), stt.Request{Audio: []byte{1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "secondary" {
		t.Errorf("Text = %q, want secondary", resp.Text)
	}
	if got := secondary.Calls()[0].Req.Audio; len(got) != 1 {
		t.Errorf("secondary saw audio %v, want the original request", got)
	}
}

func TestTranscriberFallback_AllFail(t *testing.T) {
	fb := NewTranscriberFallback("primary", &sttmock.Provider{Responses: failResult("primary down")}, BreakerConfig{})
	fb.Add("secondary", &sttmock.Provider{Responses: failResult("secondary down")})

	_, err := fb.Transcribe(context.Background(), stt.Request{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	for _, want := range []string{"primary down", "secondary down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestTranscriberFallback_OpenCircuitSkipsPrimary(t *testing.T) {
	primary := &sttmock.Provider{Responses: failResult("primary down")}
	secondary := &sttmock.Provider{Responses: okResult("secondary")}
	fb := NewTranscriberFallback("primary", primary, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	fb.Add("secondary", secondary)

	for range 2 {
		_, _ = fb.Transcribe(context.Background(), stt.Request{})
	}
	primary.Reset()

	if _, err := fb.Transcribe(context.Background(), stt.Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.CallCount() != 0 {
		t.Errorf("primary called %d times while its circuit is open", primary.CallCount())
	}
	st := fb.Backends()
	if len(st) != 2 || st[0].State != StateOpen || st[1].State != StateClosed {
		t.Errorf("Backends() = %+v", st)
	}
	if !fb.Healthy() {
		t.Error("Healthy() = false, want true while secondary is closed")
	}
}

func TestTranscriberFallback_CancelledContextStops(t *testing.T) {
	secondary := &sttmock.Provider{Responses: okResult("secondary")}
	ctx, cancel := context.WithCancel(context.Background())
	primary := &sttmock.Provider{Func: func(context.Context, stt.Request) (*stt.Response, error) {
		cancel()
		return nil, context.Canceled
	}}
	fb := NewTranscriberFallback("primary", primary, BreakerConfig{})
	fb.Add("secondary", secondary)

	_, err := fb.Transcribe(ctx, stt.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Errorf("secondary called after cancellation")
	}
}

func TestTranscriberFallback_Observer(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	obs := func(name string, _ time.Duration, err error) {
		mu.Lock()
		seen[name] = err == nil
		mu.Unlock()
	}
	fb := NewTranscriberFallback("primary", &sttmock.Provider{Responses: failResult("x")}, BreakerConfig{}, WithObserver(obs))
	fb.Add("secondary", &sttmock.Provider{Responses: okResult("y")})

	if _, err := fb.Transcribe(context.Background(), stt.Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if ok, found := seen["primary"]; !found || ok {
		t.Errorf("primary observation = %v/%v, want failed", ok, found)
	}
	if !seen["secondary"] {
		t.Error("secondary observation missing or failed")
	}
}

func TestMetricsObserver_RecordsEveryAttempt(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fb := NewTranscriberFallback("primary", &sttmock.Provider{Responses: failResult("x")}, BreakerConfig{},
		WithObserver(MetricsObserver(m)))
	fb.Add("secondary", &sttmock.Provider{Responses: okResult("y")})
	if _, err := fb.Transcribe(context.Background(), stt.Request{}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	requests := map[string]int64{}
	var latencies uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "pseudostream.transcriber.requests":
				for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
					b, _ := dp.Attributes.Value(attribute.Key("backend"))
					st, _ := dp.Attributes.Value(attribute.Key("status"))
					requests[b.AsString()+"/"+st.AsString()] += dp.Value
				}
			case "pseudostream.transcribe.duration":
				for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
					latencies += dp.Count
				}
			case "pseudostream.transcriber.errors":
				t.Errorf("per-attempt observer counted a cycle error")
			}
		}
	}
	if requests["primary/error"] != 1 || requests["secondary/ok"] != 1 || len(requests) != 2 {
		t.Errorf("requests = %v, want primary/error and secondary/ok once each", requests)
	}
	if latencies != 2 {
		t.Errorf("latency samples = %d, want 2", latencies)
	}
}
