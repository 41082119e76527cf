package dialog

// State is the position of a user's conversation in the turn cycle.
type State int

const (
	// StateIdle waits for a wake word, or for any request when no wake words
	// are configured.
	StateIdle State = iota

	// StatePrompting performs the prompt utterance after a bare wake word.
	StatePrompting

	// StateAwaitingRequest accepts any request without a wake word.
	StateAwaitingRequest

	// StateExtractingIntent inspects the request before generation starts.
	StateExtractingIntent

	// StateProcessing runs generation.
	StateProcessing

	// StateShowingWaitingAnimation plays the waiting animation while the first
	// sentence is generated.
	StateShowingWaitingAnimation

	// StateShowingResponse plays the response.
	StateShowingResponse

	// StateError is entered when a turn failed. The session is cleared.
	StateError

	// StateCanceled is entered when a turn was cancelled or superseded.
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrompting:
		return "prompting"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateExtractingIntent:
		return "extracting_intent"
	case StateProcessing:
		return "processing"
	case StateShowingWaitingAnimation:
		return "showing_waiting_animation"
	case StateShowingResponse:
		return "showing_response"
	case StateError:
		return "error"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// gated reports whether a request in this state needs a wake word.
func (s State) gated() bool {
	return s == StateIdle || s == StateError || s == StateCanceled
}
