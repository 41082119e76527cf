package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/avatarkit/internal/stream"
	"github.com/MrWong99/avatarkit/pkg/provider/stt"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the entry's name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SourceFactory builds a completion [stream.Source] from a provider entry.
// The stream settings are passed along so HTTP-based sources can pick up
// extra headers and timeouts.
type SourceFactory func(ProviderEntry, StreamConfig) (stream.Source, error)

// STTFactory builds a speech recognizer from a provider entry.
type STTFactory func(ProviderEntry) (stt.Provider, error)

// TTSFactory builds a speech synthesizer from a provider entry.
type TTSFactory func(ProviderEntry) (tts.Provider, error)

// Registry maps provider names to factories, one table per provider kind.
// The binary registers its built-in providers at startup; tests register
// stubs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	source factories[SourceFactory]
	stt    factories[STTFactory]
	tts    factories[TTSFactory]
}

// factories is one name-to-factory table. kind prefixes lookup errors.
type factories[F any] struct {
	kind string
	byID map[string]F
}

func (f *factories[F]) set(name string, factory F) {
	if f.byID == nil {
		f.byID = make(map[string]F)
	}
	f.byID[name] = factory
}

func (f *factories[F]) get(name string) (F, error) {
	factory, ok := f.byID[name]
	if !ok {
		return factory, fmt.Errorf("%w: %s/%q, registered: %s",
			ErrProviderNotRegistered, f.kind, name, strings.Join(f.names(), ", "))
	}
	return factory, nil
}

func (f *factories[F]) names() []string {
	return slices.Sorted(maps.Keys(f.byID))
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		source: factories[SourceFactory]{kind: "llm"},
		stt:    factories[STTFactory]{kind: "stt"},
		tts:    factories[TTSFactory]{kind: "tts"},
	}
}

// RegisterSource registers a completion source factory under name,
// replacing any earlier registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source.set(name, factory)
}

// RegisterSTT registers a speech recognizer factory under name.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.set(name, factory)
}

// RegisterTTS registers a speech synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.set(name, factory)
}

// CreateSource builds the completion source named by entry.Name.
func (r *Registry) CreateSource(entry ProviderEntry, sc StreamConfig) (stream.Source, error) {
	r.mu.RLock()
	factory, err := r.source.get(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry, sc)
}

// CreateSTT builds the speech recognizer named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, err := r.stt.get(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateTTS builds the speech synthesizer named by entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, err := r.tts.get(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// Sources returns the sorted names of the registered completion sources.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source.names()
}

// STTs returns the sorted names of the registered speech recognizers.
func (r *Registry) STTs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.names()
}

// TTSs returns the sorted names of the registered speech synthesizers.
func (r *Registry) TTSs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.names()
}
