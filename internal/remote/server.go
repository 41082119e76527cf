// Package remote connects avatar clients over WebSocket.
//
// A client opens GET /ws?user=<id> and exchanges JSON frames: it sends typed
// text, recorded speech (raw PCM or opus), capture replies and cancel
// requests, and receives perform, face, animation, stop, capture, state and
// error commands.
//
// Every connection runs a reader and a writer goroutine. Readers push input
// into one shared [Queue] that the application drains; outbound commands go
// through a per-connection buffer so slow clients never block a turn for
// longer than its context allows.
//
// [Server.Performer] and [Server.Capture] expose the connected client as the
// avatar and camera of the dialog pipeline.
package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarkit/internal/avatar"
	"github.com/MrWong99/avatarkit/internal/engine"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/audio"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ErrNotConnected is returned when the user has no open connection.
var ErrNotConnected = errors.New("remote: user not connected")

const (
	defaultReadLimit  = 8 << 20
	defaultSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

var _ engine.ImageCapturer = (*Server)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithVoiceEncoding selects how synthesized speech is sent: [EncodingPCM]
// (default) or [EncodingOpus].
func WithVoiceEncoding(enc string) Option {
	return func(s *Server) {
		s.encoding = enc
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// browser clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = patterns
	}
}

// WithReadLimit sets the maximum size of one inbound frame in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		s.readLimit = n
	}
}

// WithSegmenter configures how continuous speech is cut into utterances:
// the RMS threshold, the silence that ends an utterance and the maximum
// utterance length. Zero values keep the audio package defaults.
func WithSegmenter(threshold float64, silence, maxUtterance time.Duration) Option {
	return func(s *Server) {
		s.threshold, s.silence, s.maxUtterance = threshold, silence, maxUtterance
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server accepts avatar client connections. Each user has at most one
// connection; a new one replaces the old. All methods are safe for
// concurrent use.
type Server struct {
	queue        *Queue
	encoding     string
	origins      []string
	readLimit    int64
	threshold    float64
	silence      time.Duration
	maxUtterance time.Duration
	metrics      *observe.Metrics

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewServer returns a Server pushing client input into q.
func NewServer(q *Queue, opts ...Option) *Server {
	s := &Server{
		queue:     q,
		encoding:  EncodingPCM,
		readLimit: defaultReadLimit,
		conns:     make(map[string]*Conn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ServeHTTP upgrades the request to a WebSocket and serves it until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user query parameter", http.StatusBadRequest)
		return
	}
	ctx := observe.WithUser(r.Context(), userID)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(ctx).Warn("remote: websocket upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	c := newConn(s, ws, userID)
	log := observe.Logger(ctx).With("conn_id", c.id)
	if old := s.register(c); old != nil {
		log.Info("remote: replacing previous connection", "old_conn_id", old.id)
		old.ws.Close(websocket.StatusPolicyViolation, "replaced by a new connection")
	}
	s.metrics.ActiveConnections.Add(ctx, 1)
	defer s.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	log.Info("remote: client connected")

	err = c.serve(ctx)
	if s.unregister(c) {
		if perr := s.queue.Push(Request{Kind: KindDisconnect, UserID: userID, ConnID: c.id}); perr != nil {
			log.Debug("remote: disconnect not queued", "err", perr)
		}
	}
	if err != nil {
		log.Warn("remote: connection ended", "err", err)
		ws.CloseNow()
		return
	}
	log.Info("remote: client disconnected")
	ws.Close(websocket.StatusNormalClosure, "")
}

// Performer returns the avatar of userID. The connection is resolved on every
// call, so a reconnecting client takes over the next command.
func (s *Server) Performer(userID string) avatar.Performer {
	return &performer{s: s, userID: userID}
}

// Capture asks the user's client for an image from source and waits for the
// reply. It implements [engine.ImageCapturer].
func (s *Server) Capture(ctx context.Context, userID, source string) (llm.Image, error) {
	c := s.conn(userID)
	if c == nil {
		return llm.Image{}, ErrNotConnected
	}
	return c.capture(ctx, source)
}

// SendState reports a dialog state change to the user's client. It never
// blocks; the command is dropped when the client is slow or gone.
func (s *Server) SendState(userID, state string) {
	if c := s.conn(userID); c != nil {
		c.trySend(Command{Type: CmdState, State: state})
	}
}

// SendError reports a failure to the user's client without blocking.
func (s *Server) SendError(userID string, err error) {
	if c := s.conn(userID); c != nil && err != nil {
		c.trySend(Command{Type: CmdError, Error: err.Error()})
	}
}

// Connected reports whether userID has an open connection.
func (s *Server) Connected(userID string) bool {
	return s.conn(userID) != nil
}

// Users returns the connected user ids in sorted order.
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.conns))
	for u := range s.conns {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Close closes every connection with a going-away status.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := c.ws.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
				slog.Debug("remote: close connection", "user_id", c.userID, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) conn(userID string) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[userID]
}

func (s *Server) register(c *Conn) (old *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.conns[c.userID]
	s.conns[c.userID] = c
	return old
}

// unregister removes c and reports whether it was the user's current
// connection.
func (s *Server) unregister(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.userID] != c {
		return false
	}
	delete(s.conns, c.userID)
	return true
}

func (s *Server) newSegmenter(f audio.Format) *audio.Segmenter {
	seg := audio.NewSegmenter(f)
	if s.threshold > 0 {
		seg.Threshold = s.threshold
	}
	if s.silence > 0 {
		seg.Silence = s.silence
	}
	if s.maxUtterance > 0 {
		seg.MaxUtterance = s.maxUtterance
	}
	return seg
}

func newConnID() string { return uuid.NewString() }
