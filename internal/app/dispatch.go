package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/avatarkit/internal/dialog"
	"github.com/MrWong99/avatarkit/internal/mcp"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/remote"
	"github.com/MrWong99/avatarkit/internal/resilience"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
	"github.com/MrWong99/avatarkit/pkg/provider/tts"
)

var errNoSTT = errors.New("app: speech input is not available")

// Dispatch drains the client request queue and routes every request to the
// dialog manager until ctx is cancelled or the queue is closed.
//
// Text, cancel and disconnect requests are handled in arrival order. Speech is
// transcribed on its own goroutine so a slow STT backend never holds up other
// users; the transcript then enters the dialog like a text request.
func (a *App) Dispatch(ctx context.Context) error {
	for {
		req, ok, err := a.queue.Pop(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		a.route(ctx, req)
	}
}

func (a *App) route(ctx context.Context, req remote.Request) {
	ctx = observe.WithUser(ctx, req.UserID)
	log := observe.Logger(ctx).With("kind", req.Kind.String())
	switch req.Kind {
	case remote.KindText:
		a.handle(ctx, req.UserID, req.Text, req.Images)
	case remote.KindSpeech:
		if a.providers.STT == nil {
			log.Warn("speech dropped: no STT provider configured")
			a.remote.SendError(req.UserID, errNoSTT)
			return
		}
		a.recognitions.Add(1)
		go func() {
			defer a.recognitions.Done()
			a.recognize(ctx, req)
		}()
	case remote.KindCancel:
		a.dialog.Cancel(ctx, req.UserID)
	case remote.KindDisconnect:
		a.dialog.Remove(req.UserID)
		log.Debug("client gone, session released")
	default:
		log.Warn("unknown request kind")
	}
}

// recognize transcribes one utterance and hands the text to the dialog.
func (a *App) recognize(ctx context.Context, req remote.Request) {
	ctx, span := observe.StartSpan(ctx, "app.recognize")
	defer span.End()
	log := observe.Logger(ctx)

	lang := req.Language
	if lang == "" {
		lang = a.config().Dialog.Language
	}

	name := a.providers.STTName
	start := time.Now()
	text, err := a.providers.STT.Recognize(ctx, req.Speech, lang)
	a.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		a.metrics.RecordProviderRequest(ctx, name, kindSTT, "error")
		a.metrics.RecordProviderError(ctx, name, kindSTT)
		log.Warn("speech recognition failed", "err", err)
		a.remote.SendError(req.UserID, err)
		return
	}
	a.metrics.RecordProviderRequest(ctx, name, kindSTT, "ok")
	if text == "" {
		log.Debug("utterance without speech")
		return
	}
	if !a.remote.Connected(req.UserID) {
		log.Debug("client left during recognition, transcript dropped")
		return
	}
	log.Debug("speech recognised", "text", text, "duration", req.Speech.Duration())
	a.handle(ctx, req.UserID, text, req.Images)
}

func (a *App) handle(ctx context.Context, userID, text string, images []llm.Image) {
	err := a.dialog.Handle(ctx, dialog.Request{UserID: userID, Text: text, Images: images})
	if err != nil {
		observe.Logger(ctx).Warn("request rejected", "err", err)
		a.remote.SendError(userID, err)
	}
}

// ─── API handlers ────────────────────────────────────────────────────────────

type userStatus struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

// handleUsers lists the connected clients and their dialog state.
func (a *App) handleUsers(w http.ResponseWriter, _ *http.Request) {
	users := a.remote.Users()
	out := make([]userStatus, 0, len(users))
	for _, u := range users {
		out = append(out, userStatus{UserID: u, State: a.dialog.State(u).String()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleVoices lists the voices offered by the TTS provider.
func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	vl, ok := a.providers.TTS.(tts.VoiceLister)
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "tts provider cannot list voices"})
		return
	}
	voices, err := vl.ListVoices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("list voices failed", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if voices == nil {
		voices = []tts.VoiceProfile{}
	}
	writeJSON(w, http.StatusOK, voices)
}

// handleTools lists the tools offered to the model with their latency stats.
func (a *App) handleTools(w http.ResponseWriter, _ *http.Request) {
	type toolInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	out := struct {
		Tools  []toolInfo       `json:"tools"`
		Health []mcp.ToolHealth `json:"health"`
	}{Tools: []toolInfo{}, Health: []mcp.ToolHealth{}}
	if a.mcpHost == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	if h := a.mcpHost.Health(); h != nil {
		out.Health = h
	}
	for _, d := range a.mcpHost.Tools() {
		out.Tools = append(out.Tools, toolInfo{Name: d.Name, Description: d.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

type providerStatus struct {
	Kind     string                     `json:"kind"`
	Name     string                     `json:"name"`
	Breakers []resilience.BreakerStatus `json:"breakers"`
}

// handleProviders lists the configured providers and, for those with
// fallbacks, the state of every backend's circuit breaker.
func (a *App) handleProviders(w http.ResponseWriter, _ *http.Request) {
	slots := []struct {
		kind, name string
		p          any
	}{
		{kindLLM, a.providers.SourceName, a.providers.Source},
		{kindSTT, a.providers.STTName, a.providers.STT},
		{kindTTS, a.providers.TTSName, a.providers.TTS},
	}
	out := make([]providerStatus, 0, len(slots))
	for _, s := range slots {
		if s.p == nil || s.name == "" {
			continue
		}
		ps := providerStatus{Kind: s.kind, Name: s.name, Breakers: []resilience.BreakerStatus{}}
		if br, ok := s.p.(breakerReporter); ok {
			ps.Breakers = br.Status()
		}
		out = append(out, ps)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
