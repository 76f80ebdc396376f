package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/audio/mock"
)

// flakyPlatform fails the first failures Connect calls after the initial
// successful one and hands out a fresh mock connection on every success.
type flakyPlatform struct {
	mu       sync.Mutex
	calls    int
	failures int
	conns    []*mock.Connection
}

func (p *flakyPlatform) Connect(context.Context, string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls > 1 && p.failures > 0 {
		p.failures--
		return nil, errors.New("voice gateway unavailable")
	}
	c := &mock.Connection{}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *flakyPlatform) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *flakyPlatform) connection(i int) *mock.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[i]
}

// recordingSleep records backoff waits without sleeping.
type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReconnector_ConnectCallsOnConnect(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	plat := &mock.Platform{ConnectResult: conn}
	var got []audio.Connection
	r := NewReconnector(ReconnectConfig{
		Platform:  plat,
		ChannelID: "voice-1",
		OnConnect: func(c audio.Connection) { got = append(got, c) },
	})
	t.Cleanup(func() { _ = r.Stop() })

	c, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c != conn || r.Connection() != conn {
		t.Error("Connect did not return the platform connection")
	}
	if len(got) != 1 || got[0] != conn {
		t.Errorf("OnConnect calls = %d, want 1", len(got))
	}
	if len(plat.ConnectCalls) != 1 || plat.ConnectCalls[0].ChannelID != "voice-1" {
		t.Errorf("ConnectCalls = %+v", plat.ConnectCalls)
	}
}

func TestReconnector_InitialConnectError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := NewReconnector(ReconnectConfig{Platform: &mock.Platform{ConnectError: boom}})
	if _, err := r.Connect(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Connect err = %v, want %v", err, boom)
	}
	if r.Connection() != nil {
		t.Error("Connection() should be nil after a failed connect")
	}
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectConfig{})
	if r.cfg.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", r.cfg.MaxRetries, defaultMaxRetries)
	}
	if r.cfg.Backoff != defaultBackoff || r.cfg.MaxBackoff != defaultMaxBackoff {
		t.Errorf("backoff = %v/%v", r.cfg.Backoff, r.cfg.MaxBackoff)
	}
	if r.cfg.Sleep == nil {
		t.Error("Sleep not defaulted")
	}
}

func TestReconnector_RejoinsWhenConnectionLost(t *testing.T) {
	t.Parallel()

	plat := &flakyPlatform{}
	var (
		mu        sync.Mutex
		onConnect int
	)
	r := NewReconnector(ReconnectConfig{
		Platform: plat,
		Sleep:    (&recordingSleep{}).sleep,
		OnConnect: func(audio.Connection) {
			mu.Lock()
			onConnect++
			mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = r.Stop() })

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := plat.connection(0)
	first.Drop()

	waitFor(t, "rejoin", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return onConnect == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if r.Connection() == audio.Connection(first) {
		t.Error("lost connection still current")
	}
	if first.CallCountDisconnect != 1 {
		t.Errorf("old connection Disconnect calls = %d, want 1", first.CallCountDisconnect)
	}
}

func TestReconnector_NotifyDisconnectRejoins(t *testing.T) {
	t.Parallel()

	plat := &flakyPlatform{}
	r := NewReconnector(ReconnectConfig{Platform: plat, Sleep: (&recordingSleep{}).sleep})
	t.Cleanup(func() { _ = r.Stop() })

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.NotifyDisconnect()
	waitFor(t, "rejoin", func() bool { return plat.callCount() == 2 })
}

func TestReconnector_ExponentialBackoff(t *testing.T) {
	t.Parallel()

	plat := &flakyPlatform{failures: 4}
	sleep := &recordingSleep{}
	r := NewReconnector(ReconnectConfig{
		Platform:   plat,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 300 * time.Millisecond,
		Sleep:      sleep.sleep,
	})
	t.Cleanup(func() { _ = r.Stop() })

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.NotifyDisconnect()
	waitFor(t, "successful rejoin", func() bool { return plat.callCount() == 6 })

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	got := sleep.recorded()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReconnector_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	plat := &flakyPlatform{failures: 100}
	sleep := &recordingSleep{}
	r := NewReconnector(ReconnectConfig{Platform: plat, MaxRetries: 3, Sleep: sleep.sleep})
	t.Cleanup(func() { _ = r.Stop() })

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.NotifyDisconnect()
	waitFor(t, "retries", func() bool { return plat.callCount() == 4 })

	// No further attempts once the monitor has given up.
	time.Sleep(50 * time.Millisecond)
	r.NotifyDisconnect()
	time.Sleep(50 * time.Millisecond)
	if n := plat.callCount(); n != 4 {
		t.Errorf("Connect calls = %d, want 4", n)
	}
	if n := len(sleep.recorded()); n != 2 {
		t.Errorf("waits = %d, want 2 (none after the last attempt)", n)
	}
}

func TestReconnector_StopDisconnects(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	r := NewReconnector(ReconnectConfig{Platform: &mock.Platform{ConnectResult: conn}})
	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if conn.CallCountDisconnect != 1 {
		t.Errorf("Disconnect calls = %d, want 1", conn.CallCountDisconnect)
	}
	if r.Connection() != nil {
		t.Error("Connection() should be nil after Stop")
	}
}

func TestReconnector_NotifyDisconnectNonBlocking(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectConfig{Platform: &mock.Platform{}})
	done := make(chan struct{})
	go func() {
		for range 10 {
			r.NotifyDisconnect()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyDisconnect blocked without a monitor")
	}
}
