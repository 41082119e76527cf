package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatarkit/internal/avatar"
	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func newServer(t *testing.T, opts ...Option) (*Server, *Queue, *httptest.Server) {
	t.Helper()
	met, err := observe.NewMetrics(metric.NewMeterProvider(metric.WithReader(metric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	q := NewQueue()
	s := NewServer(q, append([]Option{WithMetrics(met)}, opts...)...)
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		_ = s.Close()
		srv.Close()
	})
	return s, q, srv
}

func dial(t *testing.T, s *Server, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	waitFor(t, "connection registered", func() bool { return s.Connected(user) })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readCommand(t *testing.T, conn *websocket.Conn) Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	return cmd
}

func pop(t *testing.T, q *Queue) Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("Pop = %v, %v", ok, err)
	}
	return r
}

// tone returns d of loud 16 kHz mono PCM.
func tone(d time.Duration) []byte {
	n := int(int64(d) * 16000 / int64(time.Second))
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return audio.Int16sToBytes(samples)
}

// ── Connection ────────────────────────────────────────────────────────────────

func TestServer_MissingUser(t *testing.T) {
	t.Parallel()
	_, _, srv := newServer(t)
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_TextAndCancel(t *testing.T) {
	t.Parallel()
	s, q, srv := newServer(t)
	conn := dial(t, s, srv, "alice")

	writeJSON(t, conn, Message{Type: MsgText, Text: "  hello  ", Language: "en", Image: []byte{1, 2}, MIMEType: "image/png"})
	r := pop(t, q)
	if r.Kind != KindText || r.UserID != "alice" || r.Text != "hello" || r.Language != "en" {
		t.Errorf("request = %+v", r)
	}
	if len(r.Images) != 1 || r.Images[0].MIMEType != "image/png" {
		t.Errorf("images = %+v", r.Images)
	}

	writeJSON(t, conn, Message{Type: MsgPlayed})
	writeJSON(t, conn, Message{Type: MsgCancel})
	if r := pop(t, q); r.Kind != KindCancel {
		t.Errorf("kind = %v, want cancel", r.Kind)
	}
}

func TestServer_RejectsBadMessages(t *testing.T) {
	t.Parallel()
	s, _, srv := newServer(t)
	conn := dial(t, s, srv, "alice")

	writeJSON(t, conn, Message{Type: "dance"})
	if cmd := readCommand(t, conn); cmd.Type != CmdError || !strings.Contains(cmd.Error, "dance") {
		t.Errorf("command = %+v", cmd)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if cmd := readCommand(t, conn); cmd.Type != CmdError {
		t.Errorf("command = %+v", cmd)
	}

	writeJSON(t, conn, Message{Type: MsgText, Text: "   "})
	if cmd := readCommand(t, conn); cmd.Type != CmdError {
		t.Errorf("command = %+v", cmd)
	}
}

func TestServer_DisconnectQueued(t *testing.T) {
	t.Parallel()
	s, q, srv := newServer(t)
	conn := dial(t, s, srv, "alice")

	conn.Close(websocket.StatusNormalClosure, "bye")
	r := pop(t, q)
	if r.Kind != KindDisconnect || r.UserID != "alice" {
		t.Errorf("request = %+v", r)
	}
	waitFor(t, "connection removed", func() bool { return !s.Connected("alice") })
}

func TestServer_NewConnectionReplacesOld(t *testing.T) {
	t.Parallel()
	s, q, srv := newServer(t)
	first := dial(t, s, srv, "alice")
	_ = dial(t, s, srv, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("old connection read err = %v, want policy violation close", err)
	}
	if got := s.Users(); !slices.Equal(got, []string{"alice"}) {
		t.Errorf("users = %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("replacement queued a disconnect")
	}
}

// ── Speech ────────────────────────────────────────────────────────────────────

func TestServer_AudioUtterance(t *testing.T) {
	t.Parallel()
	s, q, srv := newServer(t)
	conn := dial(t, s, srv, "alice")

	writeJSON(t, conn, Message{Type: MsgAudio, Audio: tone(200 * time.Millisecond), SampleRate: 16000, Final: true, Language: "ja"})
	r := pop(t, q)
	if r.Kind != KindSpeech || r.Language != "ja" {
		t.Fatalf("request = %+v", r)
	}
	if d := r.Speech.Duration(); d != 200*time.Millisecond {
		t.Errorf("duration = %v, want 200ms", d)
	}

	writeJSON(t, conn, Message{Type: MsgAudio, Audio: []byte{1, 2, 3}})
	if cmd := readCommand(t, conn); cmd.Type != CmdError {
		t.Errorf("odd-length audio accepted: %+v", cmd)
	}
}

func TestServer_ContinuousAudioSegmented(t *testing.T) {
	t.Parallel()
	s, q, srv := newServer(t, WithSegmenter(0, 100*time.Millisecond, 0))
	conn := dial(t, s, srv, "alice")

	silence := make([]byte, 16000*2/10) // 100 ms
	writeJSON(t, conn, Message{Type: MsgAudio, Audio: silence})
	writeJSON(t, conn, Message{Type: MsgAudio, Audio: tone(300 * time.Millisecond)})
	if q.Len() != 0 {
		t.Fatal("utterance emitted before trailing silence")
	}
	writeJSON(t, conn, Message{Type: MsgAudio, Audio: silence})

	r := pop(t, q)
	if r.Kind != KindSpeech {
		t.Fatalf("kind = %v", r.Kind)
	}
	if d := r.Speech.Duration(); d != 400*time.Millisecond {
		t.Errorf("utterance = %v, want 400ms (speech plus trailing silence)", d)
	}
}

func TestServer_OpusChannelsPerMessage(t *testing.T) {
	t.Parallel()
	s, q, srv := newServer(t)
	conn := dial(t, s, srv, "alice")

	// 400 Hz square wave, 200 ms at 16 kHz mono.
	samples := make([]int16, 3200)
	for i := range samples {
		samples[i] = 8000
		if (i/20)%2 == 1 {
			samples[i] = -8000
		}
	}
	clip := &audio.Clip{PCM: audio.Int16sToBytes(samples), SampleRate: 16000, Channels: 1}

	for _, channels := range []int{1, 2, 1} {
		enc, err := audio.NewOpusEncoder(channels)
		if err != nil {
			t.Fatalf("NewOpusEncoder(%d): %v", channels, err)
		}
		frames, err := enc.EncodeClip(clip)
		if err != nil {
			t.Fatalf("EncodeClip: %v", err)
		}
		writeJSON(t, conn, Message{Type: MsgOpus, Frames: frames, Channels: channels, Final: true})

		r := pop(t, q)
		if r.Kind != KindSpeech {
			t.Fatalf("kind = %v", r.Kind)
		}
		if r.Speech.Channels != channels || r.Speech.SampleRate != audio.OpusSampleRate {
			t.Errorf("%d channels: speech format = %d Hz x%d", channels, r.Speech.SampleRate, r.Speech.Channels)
		}
		if d := r.Speech.Duration(); d != 200*time.Millisecond {
			t.Errorf("%d channels: duration = %v, want 200ms", channels, d)
		}
	}
}

// ── Performer and capture ─────────────────────────────────────────────────────

func TestPerformer_SendsCommands(t *testing.T) {
	t.Parallel()
	s, _, srv := newServer(t)
	conn := dial(t, s, srv, "alice")
	p := s.Performer("alice")
	ctx := context.Background()

	voice := &audio.Clip{PCM: make([]byte, 1600), SampleRate: 16000, Channels: 1} // 50 ms
	start := time.Now()
	err := p.Perform(ctx, avatar.Performance{
		Item:  content.Item{Text: "Hello.", Face: "Joy", Animation: "wave", Language: "en"},
		Voice: voice,
	})
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Perform returned after %v, before the voice finished", elapsed)
	}
	cmd := readCommand(t, conn)
	if cmd.Type != CmdPerform || cmd.Text != "Hello." || cmd.Face != "Joy" || cmd.Animation != "wave" {
		t.Errorf("perform = %+v", cmd)
	}
	if cmd.Encoding != EncodingPCM || len(cmd.Voice) != 1600 || cmd.SampleRate != 16000 || cmd.DurationMs != 50 {
		t.Errorf("voice = %s %d bytes %d Hz %d ms", cmd.Encoding, len(cmd.Voice), cmd.SampleRate, cmd.DurationMs)
	}

	if err := p.SetFace(ctx, "Sad"); err != nil {
		t.Fatal(err)
	}
	if err := p.Animate(ctx, "nod"); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	s.SendState("alice", "processing")

	var got []string
	for range 4 {
		c := readCommand(t, conn)
		got = append(got, c.Type+":"+c.Face+c.Animation+c.State)
	}
	want := []string{"face:Sad", "animation:nod", "stop:", "state:processing"}
	if !slices.Equal(got, want) {
		t.Errorf("commands = %v, want %v", got, want)
	}
}

func TestPerformer_CancelledDuringVoice(t *testing.T) {
	t.Parallel()
	s, _, srv := newServer(t)
	_ = dial(t, s, srv, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	voice := &audio.Clip{PCM: make([]byte, 32000*5), SampleRate: 16000, Channels: 1}
	err := s.Performer("alice").Perform(ctx, avatar.Performance{Item: content.Item{Text: "long"}, Voice: voice})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestCapture(t *testing.T) {
	t.Parallel()
	s, _, srv := newServer(t)
	conn := dial(t, s, srv, "alice")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for range 2 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd Command
			_ = json.Unmarshal(data, &cmd)
			reply := Message{Type: MsgImage, CaptureID: cmd.CaptureID}
			if cmd.Source == "camera" {
				reply.Image, reply.MIMEType = []byte("jpeg"), "image/jpeg"
			} else {
				reply.Error = "no such source"
			}
			data, _ = json.Marshal(reply)
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	img, err := s.Capture(ctx, "alice", "camera")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if string(img.Data) != "jpeg" || img.MIMEType != "image/jpeg" {
		t.Errorf("image = %+v", img)
	}

	if _, err := s.Capture(ctx, "alice", "screen"); err == nil || !strings.Contains(err.Error(), "no such source") {
		t.Errorf("err = %v, want client failure", err)
	}
}

func TestNotConnected(t *testing.T) {
	t.Parallel()
	s, _, _ := newServer(t)
	ctx := context.Background()
	if err := s.Performer("bob").Perform(ctx, avatar.Performance{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Perform err = %v", err)
	}
	if _, err := s.Capture(ctx, "bob", "camera"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Capture err = %v", err)
	}
	s.SendState("bob", "idle")
	s.SendError("bob", errors.New("x"))
}

// ── Queue ─────────────────────────────────────────────────────────────────────

func TestQueue_FIFOAndClose(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	for _, text := range []string{"a", "b", "c"} {
		if err := q.Push(Request{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()
	if err := q.Push(Request{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push after Close = %v", err)
	}
	var got []string
	for {
		r, ok, err := q.Pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, r.Text)
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", got)
	}
}

func TestQueue_PopWaitsAndCancels(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Push(Request{Text: "late"})
	}()
	if r := pop(t, q); r.Text != "late" {
		t.Errorf("text = %q", r.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()
	if KindSpeech.String() != "speech" || Kind(42).String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
