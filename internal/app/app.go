// Package app wires all avatarkit subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drains the request queue, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithMCPHost, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarkit/internal/config"
	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/internal/dialog"
	"github.com/MrWong99/avatarkit/internal/engine"
	"github.com/MrWong99/avatarkit/internal/health"
	"github.com/MrWong99/avatarkit/internal/mcp"
	"github.com/MrWong99/avatarkit/internal/mcp/mcphost"
	"github.com/MrWong99/avatarkit/internal/mcp/tools"
	"github.com/MrWong99/avatarkit/internal/mcp/tools/clock"
	"github.com/MrWong99/avatarkit/internal/mcp/tools/notes"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/playback"
	"github.com/MrWong99/avatarkit/internal/remote"
	"github.com/MrWong99/avatarkit/pkg/memory"
	"github.com/MrWong99/avatarkit/pkg/memory/file"
	"github.com/MrWong99/avatarkit/pkg/memory/postgres"
	"github.com/MrWong99/avatarkit/pkg/memory/redis"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

// App owns all subsystem lifetimes and runs the avatar dialog server.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	now       func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	store   memory.Store
	mcpHost mcp.Host
	queue   *remote.Queue
	remote  *remote.Server
	engine  *engine.Service
	dialog  *dialog.Manager
	health  *health.Handler
	mux     *http.ServeMux

	// recognitions tracks speech requests still in the STT provider.
	recognitions sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reloads change the log level of the handler that
// reads v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithClock replaces [time.Now] for the built-in clock tool.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]. Use Option functions to inject test doubles for any
// subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil {
		return nil, errors.New("app: a completion source is required")
	}
	a := &App{
		providers: providers,
		now:       time.Now,
	}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. MCP host ─────────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 3. Remote avatar server ──────────────────────────────────────────
	a.initRemote()

	// ── 4. Engine + dialog ───────────────────────────────────────────────
	if err := a.initDialog(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init dialog: %w", err)
	}

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the configured session store unless one was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	mc := a.config().Memory

	switch mc.Backend {
	case config.MemoryFile:
		s, err := file.New(mc.Dir)
		if err != nil {
			return err
		}
		a.store = s
	case config.MemoryRedis:
		var opts []redis.Option
		if mc.TTL > 0 {
			opts = append(opts, redis.WithTTL(mc.TTL))
		}
		s, err := redis.New(ctx, mc.RedisURL, opts...)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	case config.MemoryPostgres:
		s, err := postgres.NewStore(ctx, mc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error {
			s.Close()
			return nil
		})
	default:
		a.store = memory.NewInMemoryStore()
	}
	slog.Info("session store ready", "backend", mc.Backend)
	return nil
}

// builtinRegistrar is implemented by hosts that run in-process tools.
type builtinRegistrar interface {
	RegisterBuiltin(tools.Tool) error
}

// initMCP sets up the MCP host, registers the built-in tools and connects
// the configured servers. A server that cannot be reached is logged and
// skipped so the avatar still answers without its tools.
func (a *App) initMCP(ctx context.Context) error {
	mc := a.config().MCP
	if a.mcpHost == nil {
		if len(mc.Servers) == 0 && len(mc.Builtins) == 0 {
			return nil
		}
		host := mcphost.New(mcphost.WithMetrics(a.metrics), mcphost.WithDefaultTimeout(mc.ToolTimeout))
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
	}

	var builtins []tools.Tool
	for _, name := range mc.Builtins {
		switch name {
		case "clock":
			builtins = append(builtins, clock.Tool(a.now))
		case "notes":
			builtins = append(builtins, notes.NewTools(mc.NotesDir)...)
		}
	}
	if len(builtins) > 0 {
		reg, ok := a.mcpHost.(builtinRegistrar)
		if !ok {
			return fmt.Errorf("mcp host %T cannot run built-in tools", a.mcpHost)
		}
		for _, t := range builtins {
			if err := reg.RegisterBuiltin(t); err != nil {
				return fmt.Errorf("register built-in tool %q: %w", t.Definition.Name, err)
			}
		}
	}

	for _, srv := range mc.Servers {
		if err := a.mcpHost.RegisterServer(ctx, srv.ToServerConfig()); err != nil {
			slog.Warn("MCP server unavailable, continuing without its tools", "name", srv.Name, "err", err)
			continue
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}
	slog.Info("tools ready", "count", len(a.mcpHost.Tools()))
	return nil
}

// initRemote creates the request queue and the WebSocket server.
func (a *App) initRemote() {
	cfg := a.config()
	a.queue = remote.NewQueue()

	opts := []remote.Option{
		remote.WithVoiceEncoding(cfg.Server.VoiceEncoding),
		remote.WithMetrics(a.metrics),
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, remote.WithOriginPatterns(cfg.Server.AllowedOrigins...))
	}
	if seg := cfg.Dialog.Segmenter; seg != (config.SegmenterConfig{}) {
		opts = append(opts, remote.WithSegmenter(seg.Threshold, seg.Silence, seg.MaxUtterance))
	}
	a.remote = remote.NewServer(a.queue, opts...)
	a.closers = append(a.closers, a.remote.Close)
}

// initDialog builds the generation engine and the dialog manager on top of
// the remote server.
func (a *App) initDialog() error {
	cfg := a.config()

	engOpts := []engine.Option{
		engine.WithImageCapturer(a.remote),
		engine.WithSystemPrompt(cfg.Character.SystemPrompt),
		engine.WithHistoryTurns(cfg.Character.HistoryTurns),
		engine.WithContextTimeout(cfg.Dialog.ContextTimeout),
		engine.WithNoDataTimeout(cfg.Stream.NoDataTimeout),
		engine.WithRequestTimeout(cfg.Stream.RequestTimeout),
		engine.WithMaxToolRounds(cfg.Stream.MaxToolRounds),
		engine.WithTemperature(cfg.Stream.Temperature),
		engine.WithSourceName(a.providers.SourceName),
		engine.WithMetrics(a.metrics),
	}
	if cfg.Stream.Retries != nil {
		engOpts = append(engOpts, engine.WithRetries(*cfg.Stream.Retries))
	}
	if cfg.Character.VisionPrompt != "" {
		engOpts = append(engOpts, engine.WithVisionPrompt(cfg.Character.VisionPrompt))
	}
	if a.mcpHost != nil {
		engOpts = append(engOpts, engine.WithTools(a.mcpHost))
	}
	eng, err := engine.New(a.providers.Source, a.store, engOpts...)
	if err != nil {
		return err
	}
	a.engine = eng

	m, err := dialog.NewManager(dialog.Config{
		Runner:          eng,
		TTS:             a.providers.TTS,
		Performer:       a.remote.Performer,
		Settings:        settingsFromConfig(cfg),
		PlaybackOptions: a.playbackOptions(cfg),
		ParserOptions:   parserOptions(cfg),
		Observer: func(userID string, _, to dialog.State) {
			a.remote.SendState(userID, to.String())
		},
		OnError: func(userID string, err error) {
			a.remote.SendError(userID, err)
		},
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.dialog = m
	a.closers = append(a.closers, func() error {
		m.Close()
		return nil
	})
	return nil
}

func (a *App) playbackOptions(cfg *config.Config) []playback.Option {
	opts := []playback.Option{
		playback.WithNeutralFace(cfg.Character.NeutralFace),
		playback.WithMetrics(a.metrics),
		playback.WithProviderName(a.providers.TTSName),
		playback.WithVoice(voiceProfile(a.providers.TTSName, cfg.Character.Voice)),
	}
	if len(cfg.Character.LanguageVoices) > 0 {
		voices := make(map[string]tts.VoiceProfile, len(cfg.Character.LanguageVoices))
		for lang, v := range cfg.Character.LanguageVoices {
			voices[lang] = voiceProfile(a.providers.TTSName, v)
		}
		opts = append(opts, playback.WithLanguageVoices(voices))
	}
	return opts
}

func parserOptions(cfg *config.Config) []content.ParserOption {
	cc := cfg.Content
	var opts []content.ParserOption
	if len(cc.Separators) > 0 {
		opts = append(opts, content.WithSeparators(cc.Separators...))
	}
	if cc.ThinkStart != "" {
		opts = append(opts, content.WithExtractor(content.NewExtractor(content.WithThinkTags(cc.ThinkStart, cc.ThinkEnd))))
	}
	if len(cc.Faces) > 0 {
		opts = append(opts, content.WithKnownFaces(cc.Faces...))
	}
	if len(cc.Animations) > 0 {
		opts = append(opts, content.WithKnownAnimations(cc.Animations...))
	}
	if cc.DefaultLanguage != "" {
		opts = append(opts, content.WithDefaultLanguage(cc.DefaultLanguage))
	}
	opts = append(opts, content.WithThoughtObserver(func(thought string) {
		slog.Debug("model reasoning", "text", thought)
	}))
	return opts
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// pinger is implemented by subsystems that can report their reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) initHTTP() {
	a.mux = http.NewServeMux()

	// The WebSocket route stays outside the middleware: upgrading needs the
	// raw ResponseWriter.
	a.mux.Handle("/ws", a.remote)

	var checks []health.Checker
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, health.Checker{Name: "memory", Check: p.Ping})
	}
	if p, ok := a.mcpHost.(pinger); ok {
		checks = append(checks, health.Checker{Name: "mcp", Check: p.Ping, Optional: true})
	}
	a.health = health.New(checks)
	a.health.Register(a.mux)

	if config.Bool(a.config().Observe.Metrics, true) {
		a.mux.Handle("GET /metrics", observe.MetricsHandler())
	}

	mw := observe.Middleware(a.metrics)
	a.mux.Handle("GET /api/voices", mw(http.HandlerFunc(a.handleVoices)))
	a.mux.Handle("GET /api/users", mw(http.HandlerFunc(a.handleUsers)))
	a.mux.Handle("GET /api/tools", mw(http.HandlerFunc(a.handleTools)))
	a.mux.Handle("GET /api/providers", mw(http.HandlerFunc(a.handleProviders)))
}

// Handler returns the HTTP handler serving all routes.
func (a *App) Handler() http.Handler { return a.mux }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and dispatches client requests
// until ctx is cancelled. It returns the cause of ctx on a clean stop.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Dispatch(gctx)
	})
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "listen_addr", cfg.Server.ListenAddr, "tls", cfg.Server.TLS != nil)
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	a.cfg.Store(new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(new.Server.LogLevel.SlogLevel())
		slog.Info("log level changed", "level", new.Server.LogLevel)
	}
	if d.SystemPromptChanged {
		a.engine.SetSystemPrompt(new.Character.SystemPrompt)
		a.engine.SetVisionPrompt(new.Character.VisionPrompt)
		slog.Info("character prompt updated")
	}
	if d.DialogChanged {
		a.dialog.UpdateSettings(settingsFromConfig(new))
		slog.Info("dialog settings updated", "words_changed", d.WordsChanged)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining()
		a.queue.Close()

		done := make(chan struct{})
		go func() {
			a.recognitions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) config() *config.Config { return a.cfg.Load() }

// settingsFromConfig extracts the dialog settings from cfg.
func settingsFromConfig(cfg *config.Config) dialog.Settings {
	dc, cc := cfg.Dialog, cfg.Character
	return dialog.Settings{
		WakeWords:        dc.WakeWords,
		CancelWords:      dc.CancelWords,
		EndWords:         dc.EndWords,
		AllowedPrefix:    dc.AllowedPrefix,
		AllowedSuffix:    dc.AllowedSuffix,
		FuzzyThreshold:   dc.FuzzyThreshold,
		PromptUtterance:  cc.PromptUtterance,
		WaitingAnimation: cc.WaitingAnimation,
		ErrorMessage:     cc.ErrorMessage,
		ErrorFace:        cc.ErrorFace,
		ContinueTopic:    config.Bool(dc.ContinueTopic, true),
		ListenTimeout:    dc.ListenTimeout,
	}
}

// voiceProfile converts a config.VoiceConfig to tts.VoiceProfile.
func voiceProfile(provider string, vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.ID,
		Provider:    provider,
		Language:    vc.Language,
		SpeedFactor: vc.SpeedFactor,
	}
}
