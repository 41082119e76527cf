package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/avatarkit/internal/config"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/resilience"
	"github.com/MrWong99/avatarkit/internal/stream"
	"github.com/MrWong99/avatarkit/pkg/provider/stt"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured.
type Providers struct {
	// Source streams completions. Required.
	Source stream.Source

	// SourceName is reported in metrics and logs.
	SourceName string

	// STT transcribes client speech. Nil drops speech requests.
	STT     stt.Provider
	STTName string

	// TTS renders the avatar's voice. Nil shows items without a voice.
	TTS     tts.Provider
	TTSName string
}

const (
	kindLLM = "llm"
	kindSTT = "stt"
	kindTTS = "tts"
)

// breakerReporter is implemented by the resilience wrappers.
type breakerReporter interface {
	Status() []resilience.BreakerStatus
}

// BuildProviders instantiates the providers named in cfg using reg. An entry
// with fallbacks is wrapped in the matching resilience type, so a failing
// backend is bypassed while its circuit breaker is open. Breaker transitions
// are counted on m when it is non-nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{
		SourceName: cfg.Providers.LLM.Name,
		STTName:    cfg.Providers.STT.Name,
		TTSName:    cfg.Providers.TTS.Name,
	}

	if e := cfg.Providers.LLM; e.Name != "" {
		primary, err := reg.CreateSource(e, cfg.Stream)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider %q: %w", e.Name, err)
		}
		ps.Source = primary
		if len(e.Fallbacks) > 0 {
			fb := resilience.NewSourceFallback(primary, e.Name, fallbackConfig(kindLLM, m))
			for _, f := range e.Fallbacks {
				src, err := reg.CreateSource(f, cfg.Stream)
				if err != nil {
					return nil, fmt.Errorf("app: create llm fallback %q: %w", f.Name, err)
				}
				fb.AddFallback(f.Name, src)
			}
			ps.Source = fb
		}
		slog.Info("provider created", "kind", kindLLM, "name", e.Name, "fallbacks", len(e.Fallbacks))
	}

	if e := cfg.Providers.STT; e.Name != "" {
		primary, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: create stt provider %q: %w", e.Name, err)
		}
		ps.STT = primary
		if len(e.Fallbacks) > 0 {
			fb := resilience.NewSTTFallback(primary, e.Name, fallbackConfig(kindSTT, m))
			for _, f := range e.Fallbacks {
				p, err := reg.CreateSTT(f)
				if err != nil {
					return nil, fmt.Errorf("app: create stt fallback %q: %w", f.Name, err)
				}
				fb.AddFallback(f.Name, p)
			}
			ps.STT = fb
		}
		slog.Info("provider created", "kind", kindSTT, "name", e.Name, "fallbacks", len(e.Fallbacks))
	}

	if e := cfg.Providers.TTS; e.Name != "" {
		primary, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: create tts provider %q: %w", e.Name, err)
		}
		ps.TTS = primary
		if len(e.Fallbacks) > 0 {
			fb := resilience.NewTTSFallback(primary, e.Name, fallbackConfig(kindTTS, m))
			for _, f := range e.Fallbacks {
				p, err := reg.CreateTTS(f)
				if err != nil {
					return nil, fmt.Errorf("app: create tts fallback %q: %w", f.Name, err)
				}
				fb.AddFallback(f.Name, p)
			}
			ps.TTS = fb
		}
		slog.Info("provider created", "kind", kindTTS, "name", e.Name, "fallbacks", len(e.Fallbacks))
	}

	if ps.Source == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	return ps, nil
}

func fallbackConfig(kind string, m *observe.Metrics) resilience.FallbackConfig {
	var cfg resilience.FallbackConfig
	if m != nil {
		cfg.CircuitBreaker.OnStateChange = func(name string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), name, kind, to.String())
		}
	}
	return cfg
}
