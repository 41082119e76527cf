// Command avatarkit is the main entry point for the avatar dialog server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/avatarkit/internal/app"
	"github.com/MrWong99/avatarkit/internal/config"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/stream"
	"github.com/MrWong99/avatarkit/pkg/provider/llm/anyllm"
	"github.com/MrWong99/avatarkit/pkg/provider/llm/openai"
	"github.com/MrWong99/avatarkit/pkg/provider/stt"
	"github.com/MrWong99/avatarkit/pkg/provider/stt/whisper"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
	"github.com/MrWong99/avatarkit/pkg/provider/tts/coqui"
	"github.com/MrWong99/avatarkit/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "avatarkit: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "avatarkit: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("avatarkit starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var (
		appOpts []app.Option
		metrics *observe.Metrics
	)
	if config.Bool(cfg.Observe.Metrics, true) {
		tel, err := observe.Setup(ctx, observe.ProviderConfig{
			ServiceName:    cfg.Observe.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
		metrics, err = tel.Metrics()
		if err != nil {
			slog.Error("failed to create metrics", "err", err)
			return 1
		}
		appOpts = append(appOpts, app.WithMetrics(metrics))
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, append(appOpts, app.WithLevelVar(level))...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig,
			config.WithErrorHandler(func(err error) {
				slog.Warn("config reload rejected, keeping the running config", "err", err)
			}),
		)
		if err != nil {
			slog.Warn("config watcher unavailable", "err", err)
		} else {
			defer w.Stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						slog.Info("SIGHUP received, reloading config", "path", *configPath)
						_ = w.Reload()
					}
				}
			}()
		}
	}

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

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the matching
// provider from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the official SDK and supports tool calls and images. The
	// stream layer owns retries, so the SDK's own are off.
	reg.RegisterSource("openai", func(entry config.ProviderEntry, sc config.StreamConfig) (stream.Source, error) {
		opts := []openai.Option{openai.WithMaxRetries(0)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if detail := optString(entry.Options, "image_detail"); detail != "" {
			opts = append(opts, openai.WithImageDetail(detail))
		}
		for k, v := range sc.Headers {
			opts = append(opts, openai.WithHeader(k, v))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return stream.NewProviderSource(p), nil
	})

	// sse-openai and dify post to base_url, which is the full streaming
	// endpoint, and decode the server-sent events themselves.
	reg.RegisterSource("sse-openai", func(entry config.ProviderEntry, sc config.StreamConfig) (stream.Source, error) {
		return stream.NewDownloader(entry.BaseURL, stream.OpenAICodec{Model: entry.Model}, downloaderOptions(entry, sc)...)
	})
	reg.RegisterSource("dify", func(entry config.ProviderEntry, sc config.StreamConfig) (stream.Source, error) {
		return stream.NewDownloader(entry.BaseURL, stream.DifyCodec{}, downloaderOptions(entry, sc)...)
	})

	// The any-llm backends share the same pattern: optional APIKey plus
	// optional BaseURL. Local servers such as ollama only need the latter.
	for _, backend := range anyllm.Backends {
		reg.RegisterSource(backend, func(entry config.ProviderEntry, _ config.StreamConfig) (stream.Source, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(backend, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return stream.NewProviderSource(p), nil
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, whisper.WithNativePrompt(prompt))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	slog.Debug("registered providers", "llm", reg.Sources(), "stt", reg.STTs(), "tts", reg.TTSs())
}

// downloaderOptions builds the authentication and header options shared by
// the SSE sources.
func downloaderOptions(entry config.ProviderEntry, sc config.StreamConfig) []stream.DownloaderOption {
	var opts []stream.DownloaderOption
	if entry.APIKey != "" {
		if sc.APIKeyHeader != "" {
			opts = append(opts, stream.WithAPIKeyHeader(sc.APIKeyHeader, entry.APIKey))
		} else {
			opts = append(opts, stream.WithBearerToken(entry.APIKey))
		}
	}
	for name, value := range sc.Headers {
		opts = append(opts, stream.WithHeader(name, value))
	}
	return opts
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        avatarkit startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Character       : %-19s ║\n", truncate(cfg.Character.Name))
	fmt.Printf("║  Memory          : %-19s ║\n", cfg.Memory.Backend)
	fmt.Printf("║  Wake words      : %-19d ║\n", len(cfg.Dialog.WakeWords))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	fmt.Printf("║  Built-in tools  : %-19d ║\n", len(cfg.MCP.Builtins))
	fmt.Printf("║  Voice encoding  : %-19s ║\n", cfg.Server.VoiceEncoding)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", truncate(cfg.Server.ListenAddr))
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt reads an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	n, _ := opts[key].(int)
	return n
}
