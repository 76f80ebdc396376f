// Command pseudostream serves pseudo-streaming transcription over WebSocket,
// from a Discord voice channel, or for a single WAV file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/pseudostream/internal/app"
	"github.com/MrWong99/pseudostream/internal/config"
	"github.com/MrWong99/pseudostream/internal/observe"
	"github.com/MrWong99/pseudostream/internal/resilience"
	"github.com/MrWong99/pseudostream/pkg/audio"
	"github.com/MrWong99/pseudostream/pkg/audio/discord"
	"github.com/MrWong99/pseudostream/pkg/audio/wavfile"
	"github.com/MrWong99/pseudostream/pkg/provider/stt"
	"github.com/MrWong99/pseudostream/pkg/provider/stt/deepgram"
	"github.com/MrWong99/pseudostream/pkg/provider/stt/openai"
	"github.com/MrWong99/pseudostream/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	filePath := flag.String("file", "", "transcribe this WAV file and exit")
	realtime := flag.Bool("realtime", false, "with -file, replay the audio at its natural pace")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pseudostream: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pseudostream: %v\n", err)
		}
		return 1
	}
	if *filePath == "" && cfg.Providers.Capture.Name == "file" {
		fmt.Fprintln(os.Stderr, "pseudostream: capture provider \"file\" needs -file")
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("pseudostream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := telemetry.Metrics

	// ── Providers ─────────────────────────────────────────────────────────────
	var closers closerList
	defer closers.closeAll()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, &closers)

	providers, err := buildProviders(cfg, reg, metrics, &closers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if *filePath != "" {
		// A file run never joins a voice channel.
		providers.Capture = nil
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(telemetry.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *filePath != "" {
		return transcribeFile(ctx, application, *filePath, *realtime)
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		application.ApplyConfig(old, next, d)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── File mode ─────────────────────────────────────────────────────────────────

// wordPrinter writes committed words to out as they arrive.
type wordPrinter struct{ out io.Writer }

func (p wordPrinter) Send(_ context.Context, v any) error {
	ev, ok := v.(app.Event)
	if !ok || ev.Type != "word" || ev.Word == nil {
		return nil
	}
	_, err := fmt.Fprintf(p.out, "[%7.2f → %7.2f] %s\n", ev.Word.Start, ev.Word.End, ev.Word.Text)
	return err
}

func transcribeFile(ctx context.Context, application *app.App, path string, realtime bool) int {
	src, err := wavfile.Open(path, wavfile.WithRealtime(realtime))
	if err != nil {
		slog.Error("failed to open audio file", "path", path, "err", err)
		return 1
	}
	slog.Info("transcribing file", "path", path, "duration_sec", src.DurationSec(), "sample_rate", src.SampleRate(), "realtime", realtime)

	start := time.Now()
	sess, err := application.TranscribeSource(ctx, path, src, wordPrinter{out: os.Stdout})
	if err != nil {
		slog.Error("transcription failed", "err", err)
		return 1
	}
	fmt.Println()
	fmt.Println(sess.Text)

	slog.Info("file transcribed",
		"session", sess.ID,
		"elapsed", time.Since(start),
		"audio_sec", src.DurationSec(),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return 0
}

// reloadOnHangup forces a config reload on SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload failed", "err", err)
				continue
			}
			slog.Info("config reloaded on SIGHUP", "changed", changed)
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// closerList collects resources main must release on exit.
type closerList []io.Closer

func (c *closerList) add(x any) {
	if cl, ok := x.(io.Closer); ok {
		*c = append(*c, cl)
	}
}

func (c closerList) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config, closers *closerList) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := entry.DurationOption("timeout", 0); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		if v, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, openai.WithMaxRetries(v))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if d := entry.DurationOption("timeout", 0); d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.StringOption("model_path")
		}
		var opts []whisper.NativeOption
		if v, ok := entry.Options["threads"].(int); ok && v > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(v)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if len(cfg.Stream.Vocabulary) > 0 {
			opts = append(opts, deepgram.WithKeyterms(cfg.Stream.Vocabulary...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("discord", func(config.ProviderEntry) (audio.Platform, error) {
		session, err := discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := session.Open(); err != nil {
			return nil, fmt.Errorf("discord: open gateway: %w", err)
		}
		closers.add(session)
		return discord.New(session, cfg.Discord.GuildID), nil
	})

	for _, kind := range []string{"stt", "capture"} {
		slog.Debug("registered providers", "kind", kind, "names", config.ValidProviderNames[kind])
	}
}

// buildProviders instantiates the transcription chain and capture platform
// named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics, closers *closerList) (*app.Providers, error) {
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	closers.add(primary)
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name, "model", cfg.Providers.STT.Model)

	breaker := resilience.BreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		HalfOpenMax:  cfg.Resilience.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("transcription backend breaker changed", "backend", name, "from", from.String(), "to", to.String())
		},
	}
	record := resilience.MetricsObserver(metrics)
	chain := resilience.NewTranscriberFallback(cfg.Providers.STT.Name, primary, breaker,
		resilience.WithObserver(func(backend string, elapsed time.Duration, err error) {
			record(backend, elapsed, err)
			if err != nil {
				slog.Debug("transcription backend attempt failed", "backend", backend, "elapsed", elapsed, "err", err)
			}
		}),
	)
	for _, entry := range cfg.Providers.STTFallbacks {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback provider, skipping", "kind", "stt", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
		}
		closers.add(p)
		chain.Add(entry.Name, p)
		slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name, "model", entry.Model)
	}

	ps := &app.Providers{Transcriber: chain, Backends: chain}

	switch name := cfg.Providers.Capture.Name; name {
	case "", "websocket", "file":
	default:
		p, err := reg.CreateCapture(cfg.Providers.Capture)
		if err != nil {
			return nil, fmt.Errorf("create capture provider %q: %w", name, err)
		}
		ps.Capture = p
		slog.Info("provider created", "kind", "capture", "name", name)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     pseudostream · startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	for _, fb := range cfg.Providers.STTFallbacks {
		printRow("  fallback", fb.Name, fb.Model)
	}
	printRow("Capture", cfg.Providers.Capture.Name, "")
	printRow("Language", cfg.Stream.Language, "")
	vad := "off"
	if cfg.Stream.VADEnabled() {
		vad = "energy"
	}
	printRow("VAD", vad, "")
	fmt.Printf("║  Vocabulary      : %-19d ║\n", len(cfg.Stream.Vocabulary))
	store := "memory"
	if cfg.Store.PostgresDSN != "" {
		store = "postgres"
	}
	printRow("Store", store, "")
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
