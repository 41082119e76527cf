package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/avatarkit/internal/mcp"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "sse-openai", "dify", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "anyllm-openai"},
	"stt": {"whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
}

// BuiltinTools lists the names accepted in mcp.builtins.
var BuiltinTools = []string{"clock", "notes"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultNoDataTimeout  = 10 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultRetries        = 1
	DefaultMaxToolRounds  = 4
	DefaultToolTimeout    = 10 * time.Second
	DefaultNeutralFace    = "Neutral"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBytes parses an in-memory config file.
func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.VoiceEncoding == "" {
		cfg.Server.VoiceEncoding = "pcm16"
	}
	if cfg.Stream.NoDataTimeout == 0 {
		cfg.Stream.NoDataTimeout = DefaultNoDataTimeout
	}
	if cfg.Stream.RequestTimeout == 0 {
		cfg.Stream.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Stream.Retries == nil {
		n := DefaultRetries
		cfg.Stream.Retries = &n
	}
	if cfg.Stream.MaxToolRounds == 0 {
		cfg.Stream.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.Character.NeutralFace == "" {
		cfg.Character.NeutralFace = DefaultNeutralFace
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = MemoryInMemory
	}
	if cfg.MCP.ToolTimeout == 0 {
		cfg.MCP.ToolTimeout = DefaultToolTimeout
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = "avatarkit"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if enc := cfg.Server.VoiceEncoding; enc != "" && enc != "pcm16" && enc != "opus" {
		errs = append(errs, fmt.Errorf("server.voice_encoding %q is invalid; valid values: pcm16, opus", enc))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderEntry("llm", cfg.Providers.LLM)
	validateProviderEntry("stt", cfg.Providers.STT)
	validateProviderEntry("tts", cfg.Providers.TTS)
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; the avatar will show text without a voice")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; speech from clients will be dropped")
	}

	// Stream
	if cfg.Stream.NoDataTimeout < 0 {
		errs = append(errs, errors.New("stream.no_data_timeout must not be negative"))
	}
	if cfg.Stream.RequestTimeout < 0 {
		errs = append(errs, errors.New("stream.request_timeout must not be negative"))
	}
	if cfg.Stream.Retries != nil && *cfg.Stream.Retries < 0 {
		errs = append(errs, errors.New("stream.retries must not be negative"))
	}
	if cfg.Stream.MaxToolRounds < 0 {
		errs = append(errs, errors.New("stream.max_tool_rounds must not be negative"))
	}
	if cfg.Stream.NoDataTimeout > 0 && cfg.Stream.RequestTimeout > 0 && cfg.Stream.NoDataTimeout >= cfg.Stream.RequestTimeout {
		slog.Warn("stream.no_data_timeout is not shorter than stream.request_timeout; the watchdog will never fire",
			"no_data_timeout", cfg.Stream.NoDataTimeout, "request_timeout", cfg.Stream.RequestTimeout)
	}

	// Content
	if (cfg.Content.ThinkStart == "") != (cfg.Content.ThinkEnd == "") {
		errs = append(errs, errors.New("content.think_start and content.think_end must be set together"))
	}
	for i, sep := range cfg.Content.Separators {
		if sep == "" {
			errs = append(errs, fmt.Errorf("content.separators[%d] is empty", i))
		}
	}

	// Character
	errs = append(errs, validateVoice("character.voice", cfg.Character.Voice)...)
	for lang, v := range cfg.Character.LanguageVoices {
		errs = append(errs, validateVoice(fmt.Sprintf("character.language_voices[%s]", lang), v)...)
	}
	if cfg.Character.HistoryTurns < 0 {
		errs = append(errs, errors.New("character.history_turns must not be negative"))
	}

	// Dialog
	if t := cfg.Dialog.FuzzyThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("dialog.fuzzy_threshold %.2f is out of range [0, 1]", t))
	}
	if cfg.Dialog.ContextTimeout < 0 || cfg.Dialog.ListenTimeout < 0 {
		errs = append(errs, errors.New("dialog timeouts must not be negative"))
	}
	for _, w := range cfg.Dialog.CancelWords {
		if slices.Contains(cfg.Dialog.WakeWords, w) {
			errs = append(errs, fmt.Errorf("dialog: %q is both a wake word and a cancel word", w))
		}
	}
	if cfg.Character.PromptUtterance == "" && len(cfg.Dialog.WakeWords) > 0 {
		slog.Warn("dialog.wake_words set without character.prompt_utterance; a bare wake word will be answered silently")
	}

	// Memory
	switch cfg.Memory.Backend {
	case "", MemoryInMemory:
	case MemoryFile:
		if cfg.Memory.Dir == "" {
			errs = append(errs, errors.New("memory.dir is required for the file backend"))
		}
	case MemoryRedis:
		if cfg.Memory.RedisURL == "" {
			errs = append(errs, errors.New("memory.redis_url is required for the redis backend"))
		}
	case MemoryPostgres:
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: memory, file, redis, postgres", cfg.Memory.Backend))
	}

	// MCP servers
	names := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := names[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			names[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: %v", prefix, srv.Transport, mcp.Transports()))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}
	for _, b := range cfg.MCP.Builtins {
		if !slices.Contains(BuiltinTools, b) {
			errs = append(errs, fmt.Errorf("mcp.builtins: unknown tool %q; valid values: clock, notes", b))
		}
	}
	if slices.Contains(cfg.MCP.Builtins, "notes") && cfg.MCP.NotesDir == "" {
		errs = append(errs, errors.New("mcp.notes_dir is required when the notes tool is enabled"))
	}

	return errors.Join(errs...)
}

func validateVoice(field string, v VoiceConfig) []error {
	if v.SpeedFactor != 0 && (v.SpeedFactor < 0.5 || v.SpeedFactor > 2.0) {
		return []error{fmt.Errorf("%s.speed_factor %.2f is out of range [0.5, 2.0]", field, v.SpeedFactor)}
	}
	return nil
}

// validateProviderEntry warns about unknown provider names in e and its
// fallbacks.
func validateProviderEntry(kind string, e ProviderEntry) {
	validateProviderName(kind, e.Name)
	for _, fb := range e.Fallbacks {
		validateProviderEntry(kind, fb)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
