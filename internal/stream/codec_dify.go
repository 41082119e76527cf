package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// DifyCodec speaks the Dify chat-messages streaming API. Dify keeps the
// conversation server side, so only the latest user message is sent and the
// backend context id travels as conversation_id. Images of that message are
// uploaded to the files API first and referenced by id.
type DifyCodec struct{}

var _ FileCodec = DifyCodec{}

// Name implements [Codec].
func (DifyCodec) Name() string { return "dify" }

type difyRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	ConversationID string            `json:"conversation_id,omitempty"`
	User           string            `json:"user"`
	Files          []difyFile        `json:"files,omitempty"`
}

type difyFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

// EncodeRequest implements [Codec]. Attached images are dropped; the
// [Downloader] goes through [DifyCodec.EncodeRequestWithFiles] instead.
func (c DifyCodec) EncodeRequest(req llm.CompletionRequest) ([]byte, error) {
	return c.EncodeRequestWithFiles(req, nil)
}

// EncodeRequestWithFiles implements [FileCodec].
func (DifyCodec) EncodeRequestWithFiles(req llm.CompletionRequest, fileIDs []string) ([]byte, error) {
	var query string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			query = req.Messages[i].Content
			break
		}
	}
	if query == "" {
		return nil, errors.New("no user message to send")
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	user := req.User
	if user == "" {
		user = "anonymous"
	}
	files := make([]difyFile, 0, len(fileIDs))
	for _, id := range fileIDs {
		files = append(files, difyFile{Type: "image", TransferMethod: "local_file", UploadFileID: id})
	}
	return json.Marshal(difyRequest{
		Inputs:         inputs,
		Query:          query,
		ResponseMode:   "streaming",
		ConversationID: req.ContextID,
		User:           user,
		Files:          files,
	})
}

// UploadURL implements [FileCodec]. The files API sits next to
// chat-messages: ".../v1/chat-messages" uploads to ".../v1/files/upload".
func (DifyCodec) UploadURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u.Path = path.Join("/", path.Dir(strings.TrimSuffix(u.Path, "/")), "files", "upload")
	u.RawQuery = ""
	return u.String(), nil
}

// DecodeUpload implements [FileCodec].
func (DifyCodec) DecodeUpload(body []byte) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("upload response carries no file id")
	}
	return resp.ID, nil
}

type difyEvent struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversation_id"`
	Answer         string          `json:"answer"`
	Language       string          `json:"language"`
	Status         int             `json:"status"`
	Code           json.RawMessage `json:"code"`
	Message        string          `json:"message"`
}

// NewDecoder implements [Codec].
func (DifyCodec) NewDecoder() Decoder { return &difyDecoder{} }

type difyDecoder struct {
	conversationID string
}

func (d *difyDecoder) Decode(payload []byte, emit Handler) error {
	var ev difyEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.ConversationID != "" && ev.ConversationID != d.conversationID {
		d.conversationID = ev.ConversationID
		emit(Event{Kind: EventSessionStart, ContextID: ev.ConversationID})
	}
	switch ev.Event {
	case "message", "agent_message":
		if ev.Answer != "" {
			emit(Event{Kind: EventContentDelta, Text: ev.Answer, Language: ev.Language})
		}
	case "message_end":
		return io.EOF
	case "error":
		emit(Event{Kind: EventError, Err: &APIError{Status: ev.Status, Code: rawString(ev.Code), Message: ev.Message}})
	}
	return nil
}

func (d *difyDecoder) Finish(Handler) {}
