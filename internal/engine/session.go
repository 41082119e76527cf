package engine

import (
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ResponseType classifies how a generation call ended.
type ResponseType int

const (
	// ResponseNone means the call has not finished.
	ResponseNone ResponseType = iota

	// ResponseContent means the call finished with text only.
	ResponseContent

	// ResponseFunctionCalling means the model requested one or more tools.
	ResponseFunctionCalling

	// ResponseTimeout means no data arrived before the no-data deadline.
	ResponseTimeout

	// ResponseError means the call failed or was cancelled.
	ResponseError
)

func (t ResponseType) String() string {
	switch t {
	case ResponseNone:
		return "none"
	case ResponseContent:
		return "content"
	case ResponseFunctionCalling:
		return "function_calling"
	case ResponseTimeout:
		return "timeout"
	case ResponseError:
		return "error"
	default:
		return "unknown"
	}
}

// GenerationSession is the state of a single generation call. A turn that
// calls tools or asks for an image creates one session per call; the stream
// buffer accumulates across all of them.
//
// The response type is set exactly once. Accessors are safe to call while the
// call is streaming but only final once [GenerationSession.Done] is closed.
type GenerationSession struct {
	// Contexts is the message list sent for this call.
	Contexts []llm.Message

	mu              sync.Mutex
	prior           string
	current         strings.Builder
	responseType    ResponseType
	contextID       string
	toolCalls       []llm.ToolCall
	finishReason    string
	visionAvailable bool
	err             error
	done            chan struct{}
}

func newGenerationSession(msgs []llm.Message, previous *GenerationSession, vision bool) *GenerationSession {
	gs := &GenerationSession{
		Contexts:        msgs,
		visionAvailable: vision,
		done:            make(chan struct{}),
	}
	if previous != nil {
		gs.prior = previous.StreamBuffer()
	}
	return gs
}

func (gs *GenerationSession) appendDelta(text string) {
	gs.mu.Lock()
	gs.current.WriteString(text)
	gs.mu.Unlock()
}

func (gs *GenerationSession) setContextID(id string) {
	gs.mu.Lock()
	gs.contextID = id
	gs.mu.Unlock()
}

func (gs *GenerationSession) addToolCalls(calls []llm.ToolCall) {
	gs.mu.Lock()
	gs.toolCalls = append(gs.toolCalls, calls...)
	gs.mu.Unlock()
}

func (gs *GenerationSession) setFinishReason(r string) {
	gs.mu.Lock()
	gs.finishReason = r
	gs.mu.Unlock()
}

// finish records the terminal classification. Only the first call has any
// effect; it reports whether it was that call.
func (gs *GenerationSession) finish(t ResponseType, err error) bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.responseType != ResponseNone {
		return false
	}
	gs.responseType = t
	gs.err = err
	close(gs.done)
	return true
}

// Done is closed once the response type is known.
func (gs *GenerationSession) Done() <-chan struct{} { return gs.done }

// ResponseType returns the classification, or [ResponseNone] while streaming.
func (gs *GenerationSession) ResponseType() ResponseType {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.responseType
}

// Err returns the failure behind [ResponseTimeout] or [ResponseError].
func (gs *GenerationSession) Err() error {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// StreamBuffer returns the text generated across the whole turn so far.
func (gs *GenerationSession) StreamBuffer() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.prior + gs.current.String()
}

// CurrentStreamBuffer returns the text generated by this call only.
func (gs *GenerationSession) CurrentStreamBuffer() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.current.String()
}

// ContextID returns the backend context id announced by this call, if any.
func (gs *GenerationSession) ContextID() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.contextID
}

// ToolCalls returns the tool calls requested by this call.
func (gs *GenerationSession) ToolCalls() []llm.ToolCall {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return slices.Clone(gs.toolCalls)
}

// FunctionName returns the name of the first requested tool.
func (gs *GenerationSession) FunctionName() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if len(gs.toolCalls) == 0 {
		return ""
	}
	return gs.toolCalls[0].Name
}

// ToolUseID returns the id of the first requested tool call.
func (gs *GenerationSession) ToolUseID() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if len(gs.toolCalls) == 0 {
		return ""
	}
	return gs.toolCalls[0].ID
}

// FinishReason returns the backend's finish reason, if it sent one.
func (gs *GenerationSession) FinishReason() string {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.finishReason
}

// VisionAvailable reports whether this call may still trigger an image
// capture. It is false for every call after the turn used its capture.
func (gs *GenerationSession) VisionAvailable() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.visionAvailable
}
