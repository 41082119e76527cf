package remote

// Inbound message types sent by avatar clients.
const (
	MsgText   = "text"
	MsgAudio  = "audio"
	MsgOpus   = "opus"
	MsgImage  = "image"
	MsgCancel = "cancel"
	MsgPlayed = "played"
)

// Outbound command types sent to avatar clients.
const (
	CmdPerform   = "perform"
	CmdFace      = "face"
	CmdAnimation = "animation"
	CmdStop      = "stop"
	CmdCapture   = "capture"
	CmdState     = "state"
	CmdError     = "error"
)

// Voice encodings of [Command.Voice].
const (
	EncodingPCM  = "pcm16"
	EncodingOpus = "opus"
)

// Message is one JSON frame from a client. Byte slices travel as base64.
type Message struct {
	Type string `json:"type"`

	// Text is the typed request of a text message.
	Text string `json:"text,omitempty"`

	// Language is a BCP-47 hint for text and speech.
	Language string `json:"language,omitempty"`

	// Audio is 16-bit little-endian PCM of an audio message.
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// Frames are 48 kHz opus packets of an opus message.
	Frames [][]byte `json:"frames,omitempty"`

	// Final marks the end of an utterance. Without it, audio is treated as a
	// continuous stream and cut into utterances by silence.
	Final bool `json:"final,omitempty"`

	// CaptureID answers a capture command. Image messages carry it.
	CaptureID string `json:"capture_id,omitempty"`

	// Image is an encoded picture: a capture reply, or an attachment of a
	// text message.
	Image    []byte `json:"image,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// Error reports a failed capture.
	Error string `json:"error,omitempty"`
}

// Command is one JSON frame to a client.
type Command struct {
	Type string `json:"type"`

	Text      string `json:"text,omitempty"`
	Face      string `json:"face,omitempty"`
	Animation string `json:"animation,omitempty"`
	Language  string `json:"language,omitempty"`

	// Voice is set on perform commands with speech. Encoding tells whether it
	// holds raw PCM or is empty with Frames holding opus packets.
	Voice      []byte   `json:"voice,omitempty"`
	Frames     [][]byte `json:"frames,omitempty"`
	Encoding   string   `json:"encoding,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Channels   int      `json:"channels,omitempty"`
	DurationMs int64    `json:"duration_ms,omitempty"`

	// CaptureID and Source are set on capture commands.
	CaptureID string `json:"capture_id,omitempty"`
	Source    string `json:"source,omitempty"`

	// State is set on state commands.
	State string `json:"state,omitempty"`

	// Error is set on error commands.
	Error string `json:"error,omitempty"`
}
