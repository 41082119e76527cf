package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/avatarkit/internal/mcp"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/internal/stream"
	"github.com/MrWong99/avatarkit/pkg/memory"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

const (
	defaultRetries       = 1
	defaultMaxToolRounds = 4
	defaultVisionPrompt  = "Here is the image you asked for."
)

// Option configures a [Service].
type Option func(*Service)

// WithTools offers the host's tools to the model and executes the calls it
// makes. Without a host, tool calling is disabled.
func WithTools(h mcp.Host) Option {
	return func(s *Service) {
		s.tools = h
	}
}

// WithImageCapturer enables vision follow-ups.
func WithImageCapturer(c ImageCapturer) Option {
	return func(s *Service) {
		s.capturer = c
	}
}

// WithSystemPrompt sets the system prompt. It can be changed later with
// [Service.SetSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(s *Service) {
		s.systemPrompt = p
	}
}

// WithVisionPrompt sets the user text sent along with a captured image.
func WithVisionPrompt(p string) Option {
	return func(s *Service) {
		s.visionPrompt = p
	}
}

// WithHistoryTurns caps the number of past turns included in a prompt. Zero
// includes the full history.
func WithHistoryTurns(n int) Option {
	return func(s *Service) {
		s.historyTurns = n
	}
}

// WithContextTimeout discards the backend context id and history of a
// session that has not been updated for d. Zero never expires.
func WithContextTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.contextTimeout = d
	}
}

// WithNoDataTimeout classifies a call that receives nothing for d as
// [ResponseTimeout]. Zero disables the watchdog.
func WithNoDataTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.noDataTimeout = d
	}
}

// WithRequestTimeout bounds the total duration of one generation call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.requestTimeout = d
	}
}

// WithRetries sets how many times a timed-out call is restarted. Default 1.
func WithRetries(n int) Option {
	return func(s *Service) {
		s.retries = max(n, 0)
	}
}

// WithMaxToolRounds caps the tool rounds of one turn. Default 4.
func WithMaxToolRounds(n int) Option {
	return func(s *Service) {
		s.maxToolRounds = max(n, 0)
	}
}

// WithTemperature sets the sampling temperature. Zero uses the backend default.
func WithTemperature(t float64) Option {
	return func(s *Service) {
		s.temperature = t
	}
}

// WithSourceName sets the provider name reported in metrics.
func WithSourceName(name string) Option {
	return func(s *Service) {
		s.sourceName = name
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces [time.Now].
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service generates responses for dialog turns. It is safe for concurrent use
// by different users; turns of the same user must not overlap.
type Service struct {
	source   stream.Source
	store    memory.Store
	tools    mcp.Host
	capturer ImageCapturer
	metrics  *observe.Metrics
	now      func() time.Time

	mu           sync.RWMutex
	systemPrompt string
	visionPrompt string

	sourceName     string
	historyTurns   int
	contextTimeout time.Duration
	noDataTimeout  time.Duration
	requestTimeout time.Duration
	retries        int
	maxToolRounds  int
	temperature    float64
}

// New creates a Service streaming from src and persisting sessions in store.
func New(src stream.Source, store memory.Store, opts ...Option) (*Service, error) {
	if src == nil {
		return nil, errors.New("engine: source must not be nil")
	}
	if store == nil {
		return nil, errors.New("engine: store must not be nil")
	}
	s := &Service{
		source:        src,
		store:         store,
		now:           time.Now,
		visionPrompt:  defaultVisionPrompt,
		sourceName:    "llm",
		retries:       defaultRetries,
		maxToolRounds: defaultMaxToolRounds,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.source = stream.WithNoDataTimeout(s.source, s.noDataTimeout)
	return s, nil
}

// SetSystemPrompt replaces the system prompt for subsequent calls.
func (s *Service) SetSystemPrompt(p string) {
	s.mu.Lock()
	s.systemPrompt = p
	s.mu.Unlock()
}

// SetVisionPrompt replaces the vision prompt. Empty restores the default.
func (s *Service) SetVisionPrompt(p string) {
	if p == "" {
		p = defaultVisionPrompt
	}
	s.mu.Lock()
	s.visionPrompt = p
	s.mu.Unlock()
}

func (s *Service) prompts() (system, vision string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt, s.visionPrompt
}

// Payloads carries the non-text input of a turn.
type Payloads struct {
	// Images are attached to the user message for this call only.
	Images []llm.Image

	// Inputs are backend-specific variables such as Dify app inputs.
	Inputs map[string]string
}

// MakePrompt returns the messages for a call: the recent history of sess
// followed by the new user message with any images attached. sess is not
// modified.
func (s *Service) MakePrompt(sess *memory.Session, input string, p Payloads) []llm.Message {
	msgs := sess.Recent(s.historyTurns)
	user := llm.Message{Role: llm.RoleUser, Content: input}
	if len(p.Images) > 0 {
		user.Images = append([]llm.Image(nil), p.Images...)
	}
	return append(msgs, user)
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	UserID    string
	ContextID string
	Messages  []llm.Message
	Inputs    map[string]string

	// UseFunctions offers the tool host's tools to the model.
	UseFunctions bool

	// RetryCounter is the number of restarts allowed after a timeout.
	RetryCounter int

	// Previous is the preceding call of the same turn, if any. Its stream
	// buffer is carried into the new session.
	Previous *GenerationSession

	// VisionAvailable marks whether this call may still trigger a capture.
	VisionAvailable bool

	// OnDelta receives every content delta synchronously.
	OnDelta func(text, language string)
}

// GenerateContent runs one generation call. A call that timed out is
// restarted from scratch while RetryCounter allows; nothing of the failed
// attempt is carried over.
//
// When the call ends in [ResponseTimeout] or [ResponseError] the terminal
// session is returned together with a [*GenerationError]. Exhausted retries
// wrap [ErrRetriesExhausted]; cancellation wraps the context's cause.
func (s *Service) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerationSession, error) {
	if observe.UserID(ctx) == "" {
		ctx = observe.WithUser(ctx, req.UserID)
	}
	retries := req.RetryCounter
	for {
		gs := s.generateOnce(ctx, req)
		switch gs.ResponseType() {
		case ResponseTimeout:
			s.metrics.StreamTimeouts.Add(ctx, 1)
			if retries > 0 && ctx.Err() == nil {
				retries--
				s.metrics.StreamRetries.Add(ctx, 1)
				observe.Logger(ctx).Warn("generation timed out, retrying", "retries_left", retries)
				continue
			}
			return gs, &GenerationError{Type: ResponseTimeout, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, gs.Err())}
		case ResponseError:
			return gs, &GenerationError{Type: ResponseError, Err: gs.Err()}
		default:
			return gs, nil
		}
	}
}

func (s *Service) generateOnce(ctx context.Context, req GenerateRequest) *GenerationSession {
	ctx, span := observe.StartSpan(ctx, "engine.generate")
	defer span.End()

	gs := newGenerationSession(req.Messages, req.Previous, req.VisionAvailable)

	callCtx := ctx
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	system, _ := s.prompts()
	creq := llm.CompletionRequest{
		Messages:     req.Messages,
		SystemPrompt: system,
		Temperature:  s.temperature,
		User:         req.UserID,
		ContextID:    req.ContextID,
		Inputs:       req.Inputs,
	}
	if req.UseFunctions && s.tools != nil {
		creq.Tools = s.tools.Tools()
	}

	start := time.Now()
	first := true
	err := s.source.Stream(callCtx, creq, func(ev stream.Event) {
		switch ev.Kind {
		case stream.EventContentDelta:
			if first {
				first = false
				s.metrics.LLMFirstToken.Record(ctx, time.Since(start).Seconds())
			}
			gs.appendDelta(ev.Text)
			if req.OnDelta != nil {
				req.OnDelta(ev.Text, ev.Language)
			}
		case stream.EventSessionStart:
			gs.setContextID(ev.ContextID)
		case stream.EventToolCall:
			gs.addToolCalls(ev.ToolCalls)
		case stream.EventDone:
			gs.setFinishReason(ev.FinishReason)
		}
	})
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	t := s.classify(ctx, gs, err)
	gs.finish(t, err)

	status := "ok"
	switch t {
	case ResponseTimeout:
		status = "timeout"
	case ResponseError:
		status = "error"
		if ctx.Err() == nil {
			s.metrics.RecordProviderError(ctx, s.sourceName, "llm")
		}
	}
	s.metrics.RecordProviderRequest(ctx, s.sourceName, "llm", status)
	return gs
}

// classify maps the end of a call to a response type. A request deadline
// only counts as a timeout when nothing was received, so a retry never
// repeats text that was already delivered.
func (s *Service) classify(ctx context.Context, gs *GenerationSession, err error) ResponseType {
	switch {
	case err == nil:
		if len(gs.ToolCalls()) > 0 {
			return ResponseFunctionCalling
		}
		return ResponseContent
	case errors.Is(err, stream.ErrNoData):
		return ResponseTimeout
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && gs.CurrentStreamBuffer() == "":
		return ResponseTimeout
	default:
		return ResponseError
	}
}
