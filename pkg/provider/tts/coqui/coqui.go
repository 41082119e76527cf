// Package coqui synthesizes speech on a local Coqui server. Two server
// flavours are supported:
//
//   - [APIModeStandard] (default): the stock Coqui TTS server. Speech comes
//     from GET /api/tts, voices from GET /details.
//   - [APIModeXTTS]: the XTTS v2 API server. Speech comes from POST
//     /tts_to_audio/, voices from GET /studio_speakers.
//
// Both answer with WAV, which is decoded and optionally resampled to a fixed
// output rate so every clip matches the playback device.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithOutputSampleRate(24000))
//	clip, err := p.Synthesize(ctx, "Hello there.", voice)
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	providerName    = "coqui"
)

// APIMode selects the Coqui server flavour.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the Coqui XTTS v2 API server.
	APIModeXTTS APIMode = "xtts"
)

// dialect is what differs between the server flavours.
type dialect struct {
	// request builds the synthesis request for one sentence.
	request func(ctx context.Context, base, text, speaker, lang string) (*http.Request, error)
	// needsSpeaker rejects a voice without ID before any request is made.
	needsSpeaker bool
	// voicesPath is fetched by ListVoices and decoded by voices.
	voicesPath string
	voices     func(body []byte) ([]tts.VoiceProfile, error)
}

var dialects = map[APIMode]dialect{
	APIModeStandard: {request: standardRequest, voicesPath: "/details", voices: standardVoices},
	APIModeXTTS:     {request: xttsRequest, needsSpeaker: true, voicesPath: "/studio_speakers", voices: xttsVoices},
}

// Provider synthesizes speech on a Coqui server.
type Provider struct {
	base       string
	language   string
	mode       APIMode
	dialect    dialect
	outputRate int
	client     *http.Client
}

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language used when the voice names none.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds one synthesis request. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithOutputSampleRate resamples every clip to rate. Zero keeps the server's
// rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		base:     strings.TrimRight(serverURL, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	d, ok := dialects[p.mode]
	if !ok {
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.mode)
	}
	p.dialect = d
	return p, nil
}

// ─── Synthesis ───────────────────────────────────────────────────────────────

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*audio.Clip, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	if p.dialect.needsSpeaker && voice.ID == "" {
		return nil, fmt.Errorf("coqui: %s mode needs a voice ID", p.mode)
	}
	req, err := p.dialect.request(ctx, p.base, text, voice.ID, cmp.Or(voice.Language, p.language))
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	wav, err := p.do(req)
	if err != nil {
		return nil, err
	}
	clip, err := audio.ParseWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	if p.outputRate <= 0 || clip.SampleRate == p.outputRate {
		return clip, nil
	}
	clip, err = audio.Convert(clip, audio.Format{SampleRate: p.outputRate, Channels: clip.Channels})
	if err != nil {
		return nil, fmt.Errorf("coqui: resample: %w", err)
	}
	return clip, nil
}

func standardRequest(ctx context.Context, base, text, speaker, lang string) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if speaker != "" {
		q.Set("speaker_id", speaker)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tts?"+q.Encode(), nil)
}

func xttsRequest(ctx context.Context, base, text, speaker, lang string) (*http.Request, error) {
	body, err := json.Marshal(struct {
		Text       string `json:"text"`
		SpeakerWav string `json:"speaker_wav"`
		Language   string `json:"language"`
	}{text, speaker, lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tts_to_audio/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do sends req and returns the body of a 200 response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s: %w", req.URL.Path, err)
	}
	return body, nil
}

// ─── Voices ──────────────────────────────────────────────────────────────────

// ListVoices returns the voices the server offers, sorted by ID.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+p.dialect.voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	voices, err := p.dialect.voices(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: decode %s: %w", p.dialect.voicesPath, err)
	}
	return voices, nil
}

// standardVoices lists the speakers of a multi-speaker model. A
// single-speaker model is offered as one voice with an empty ID.
func standardVoices(body []byte) ([]tts.VoiceProfile, error) {
	var details struct {
		ModelName string   `json:"model_name"`
		Language  string   `json:"language"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		return []tts.VoiceProfile{{
			Name:     cmp.Or(details.ModelName, "default"),
			Provider: providerName,
			Language: details.Language,
			Metadata: map[string]string{"type": "model"},
		}}, nil
	}
	speakers := slices.Sorted(slices.Values(details.Speakers))
	voices := make([]tts.VoiceProfile, len(speakers))
	for i, s := range speakers {
		voices[i] = tts.VoiceProfile{
			ID:       s,
			Name:     s,
			Provider: providerName,
			Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
		}
	}
	return voices, nil
}

// xttsVoices lists the studio speakers. Their latent embeddings are ignored.
func xttsVoices(body []byte) ([]tts.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := json.Unmarshal(body, &speakers); err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(speakers))
	voices := make([]tts.VoiceProfile, len(names))
	for i, n := range names {
		voices[i] = tts.VoiceProfile{
			ID:       n,
			Name:     n,
			Provider: providerName,
			Metadata: map[string]string{"type": "studio"},
		}
	}
	return voices, nil
}
