package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarkit/internal/avatar"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// Conn is one client connection.
type Conn struct {
	id     string
	userID string
	s      *Server
	ws     *websocket.Conn
	out    chan Command
	done   chan struct{}

	mu       sync.Mutex
	captures map[string]chan captureReply

	encMu   sync.Mutex
	opusEnc *audio.OpusEncoder

	// Reader goroutine only.
	segmenters map[audio.Format]*audio.Segmenter
	opusDecs   map[int]*audio.OpusDecoder // by channel count
}

type captureReply struct {
	img llm.Image
	err error
}

func newConn(s *Server, ws *websocket.Conn, userID string) *Conn {
	return &Conn{
		id:         newConnID(),
		userID:     userID,
		s:          s,
		ws:         ws,
		out:        make(chan Command, defaultSendBuffer),
		done:       make(chan struct{}),
		captures:   make(map[string]chan captureReply),
		segmenters: make(map[audio.Format]*audio.Segmenter),
		opusDecs:   make(map[int]*audio.OpusDecoder),
	}
}

// serve runs the reader and writer until the client goes away.
func (c *Conn) serve(ctx context.Context) error {
	defer close(c.done)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

var errClosed = errors.New("remote: connection closed")

// ─── inbound ─────────────────────────────────────────────────────────────────

func (c *Conn) readLoop(ctx context.Context) error {
	log := observe.Logger(ctx).With("conn_id", c.id)
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusPolicyViolation:
				return errClosed
			}
			if ctx.Err() != nil {
				return errClosed
			}
			return fmt.Errorf("remote: read: %w", err)
		}
		if typ != websocket.MessageText {
			c.trySend(Command{Type: CmdError, Error: "binary frames are not supported"})
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("remote: malformed message", "err", err)
			c.trySend(Command{Type: CmdError, Error: "malformed message: " + err.Error()})
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return errClosed
			}
			log.Warn("remote: rejected message", "type", msg.Type, "err", err)
			c.trySend(Command{Type: CmdError, Error: err.Error()})
		}
	}
}

func (c *Conn) handle(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MsgText:
		req := Request{Kind: KindText, UserID: c.userID, ConnID: c.id, Text: strings.TrimSpace(msg.Text), Language: msg.Language}
		if len(msg.Image) > 0 {
			req.Images = []llm.Image{{MIMEType: mimeOrDefault(msg.MIMEType), Data: msg.Image}}
		}
		if req.Text == "" && len(req.Images) == 0 {
			return errors.New("remote: empty text message")
		}
		return c.s.queue.Push(req)

	case MsgAudio:
		if len(msg.Audio)%audio.BytesPerSample != 0 {
			return errors.New("remote: audio is not 16-bit PCM")
		}
		f := audio.Format{SampleRate: msg.SampleRate, Channels: msg.Channels}
		if f.SampleRate <= 0 {
			f.SampleRate = 16000
		}
		if f.Channels <= 0 {
			f.Channels = 1
		}
		return c.speech(f, msg.Audio, msg.Final, msg.Language)

	case MsgOpus:
		channels := max(msg.Channels, 1)
		dec, ok := c.opusDecs[channels]
		if !ok {
			var err error
			if dec, err = audio.NewOpusDecoder(channels); err != nil {
				return err
			}
			c.opusDecs[channels] = dec
		}
		var pcm []byte
		for _, frame := range msg.Frames {
			p, err := dec.Decode(frame)
			if err != nil {
				return err
			}
			pcm = append(pcm, p...)
		}
		return c.speech(audio.Format{SampleRate: audio.OpusSampleRate, Channels: channels}, pcm, msg.Final, msg.Language)

	case MsgImage:
		c.resolveCapture(ctx, msg)
		return nil

	case MsgCancel:
		return c.s.queue.Push(Request{Kind: KindCancel, UserID: c.userID, ConnID: c.id})

	case MsgPlayed:
		return nil

	default:
		return fmt.Errorf("remote: unknown message type %q", msg.Type)
	}
}

// speech feeds pcm into the format's segmenter and queues every completed
// utterance. final flushes the segmenter.
func (c *Conn) speech(f audio.Format, pcm []byte, final bool, lang string) error {
	seg, ok := c.segmenters[f]
	if !ok {
		seg = c.s.newSegmenter(f)
		c.segmenters[f] = seg
	}
	var clips []*audio.Clip
	if len(pcm) > 0 {
		if clip := seg.Write(pcm); clip != nil {
			clips = append(clips, clip)
		}
	}
	if final {
		if clip := seg.Flush(); clip != nil {
			clips = append(clips, clip)
		}
	}
	for _, clip := range clips {
		if err := c.s.queue.Push(Request{Kind: KindSpeech, UserID: c.userID, ConnID: c.id, Speech: clip, Language: lang}); err != nil {
			return err
		}
	}
	return nil
}

func mimeOrDefault(m string) string {
	if m == "" {
		return "image/jpeg"
	}
	return m
}

// ─── outbound ────────────────────────────────────────────────────────────────

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.out:
			data, err := json.Marshal(cmd)
			if err != nil {
				return fmt.Errorf("remote: encode %s: %w", cmd.Type, err)
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("remote: write %s: %w", cmd.Type, err)
			}
		}
	}
}

// send queues cmd, waiting while the buffer is full.
func (c *Conn) send(ctx context.Context, cmd Command) error {
	select {
	case c.out <- cmd:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return ErrNotConnected
	}
}

// trySend queues cmd unless the buffer is full.
func (c *Conn) trySend(cmd Command) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- cmd:
		return true
	default:
		observe.Logger(context.Background()).Warn("remote: send buffer full, dropping command",
			"user_id", c.userID, "type", cmd.Type)
		return false
	}
}

// perform sends p and waits for its voice to finish playing on the client.
func (c *Conn) perform(ctx context.Context, p avatar.Performance) error {
	cmd := Command{
		Type:      CmdPerform,
		Text:      p.Text,
		Face:      p.Face,
		Animation: p.Animation,
		Language:  p.Language,
	}
	if p.Voice != nil && !p.Voice.Empty() {
		c.attachVoice(ctx, &cmd, p.Voice)
	}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	d := p.Voice.Duration()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return ErrNotConnected
	}
}

func (c *Conn) attachVoice(ctx context.Context, cmd *Command, clip *audio.Clip) {
	cmd.DurationMs = clip.Duration().Milliseconds()
	if c.s.encoding == EncodingOpus {
		frames, err := c.encodeOpus(clip)
		if err == nil {
			cmd.Frames = frames
			cmd.Encoding = EncodingOpus
			cmd.SampleRate = audio.OpusSampleRate
			cmd.Channels = 1
			return
		}
		observe.Logger(ctx).Warn("remote: opus encoding failed, sending pcm", "err", err)
	}
	cmd.Voice = clip.PCM
	cmd.Encoding = EncodingPCM
	cmd.SampleRate = clip.SampleRate
	cmd.Channels = clip.Channels
}

func (c *Conn) encodeOpus(clip *audio.Clip) ([][]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	if c.opusEnc == nil {
		enc, err := audio.NewOpusEncoder(1)
		if err != nil {
			return nil, err
		}
		c.opusEnc = enc
	}
	return c.opusEnc.EncodeClip(clip)
}

// ─── capture ─────────────────────────────────────────────────────────────────

func (c *Conn) capture(ctx context.Context, source string) (llm.Image, error) {
	id := uuid.NewString()
	reply := make(chan captureReply, 1)
	c.mu.Lock()
	c.captures[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.captures, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, Command{Type: CmdCapture, CaptureID: id, Source: source}); err != nil {
		return llm.Image{}, fmt.Errorf("remote: capture: %w", err)
	}
	select {
	case r := <-reply:
		return r.img, r.err
	case <-ctx.Done():
		return llm.Image{}, fmt.Errorf("remote: capture: %w", context.Cause(ctx))
	case <-c.done:
		return llm.Image{}, fmt.Errorf("remote: capture: %w", ErrNotConnected)
	}
}

func (c *Conn) resolveCapture(ctx context.Context, msg Message) {
	c.mu.Lock()
	reply, ok := c.captures[msg.CaptureID]
	delete(c.captures, msg.CaptureID)
	c.mu.Unlock()
	if !ok {
		observe.Logger(ctx).Warn("remote: image for unknown capture", "capture_id", msg.CaptureID)
		return
	}
	var r captureReply
	switch {
	case msg.Error != "":
		r.err = fmt.Errorf("remote: capture failed on client: %s", msg.Error)
	case len(msg.Image) == 0:
		r.err = errors.New("remote: capture reply without image")
	default:
		r.img = llm.Image{MIMEType: mimeOrDefault(msg.MIMEType), Data: msg.Image}
	}
	reply <- r
}

// ─── performer ───────────────────────────────────────────────────────────────

// performer forwards to the user's current connection.
type performer struct {
	s      *Server
	userID string
}

var _ avatar.Performer = (*performer)(nil)

func (p *performer) Perform(ctx context.Context, perf avatar.Performance) error {
	c := p.s.conn(p.userID)
	if c == nil {
		return ErrNotConnected
	}
	return c.perform(ctx, perf)
}

func (p *performer) SetFace(ctx context.Context, face string) error {
	return p.command(ctx, Command{Type: CmdFace, Face: face})
}

func (p *performer) Animate(ctx context.Context, name string) error {
	return p.command(ctx, Command{Type: CmdAnimation, Animation: name})
}

func (p *performer) Stop(ctx context.Context) error {
	return p.command(ctx, Command{Type: CmdStop})
}

func (p *performer) command(ctx context.Context, cmd Command) error {
	c := p.s.conn(p.userID)
	if c == nil {
		return ErrNotConnected
	}
	return c.send(ctx, cmd)
}
