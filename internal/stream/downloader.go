package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

const (
	defaultDataPrefix = "data:"
	maxLineSize       = 1 << 20
	maxErrorBody      = 64 << 10
)

// Codec translates between [llm.CompletionRequest] and one vendor's wire
// format.
type Codec interface {
	// Name identifies the wire format in logs.
	Name() string

	// EncodeRequest renders the JSON request body.
	EncodeRequest(req llm.CompletionRequest) ([]byte, error)

	// NewDecoder returns a decoder holding the per-call parse state.
	NewDecoder() Decoder
}

// Decoder consumes the payloads of one stream.
type Decoder interface {
	// Decode handles one event payload (the text after the data prefix).
	// It returns io.EOF when the payload is the end-of-stream signal and any
	// other error when the payload cannot be parsed. A backend error is
	// emitted as EventError, not returned.
	Decode(payload []byte, emit Handler) error

	// Finish flushes state still pending when the body ends.
	Finish(emit Handler)
}

// DownloaderOption configures a [Downloader].
type DownloaderOption func(*Downloader)

// WithHTTPClient sets the HTTP client. The default has no overall timeout
// since streams are long-lived; deadlines come from the context.
func WithHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.client = c
	}
}

// WithBearerToken authenticates with "Authorization: Bearer <token>".
func WithBearerToken(token string) DownloaderOption {
	return func(d *Downloader) {
		d.authHeader = "Authorization"
		d.authValue = "Bearer " + token
	}
}

// WithAPIKeyHeader authenticates by sending key verbatim in header name
// (e.g. "x-api-key").
func WithAPIKeyHeader(name, key string) DownloaderOption {
	return func(d *Downloader) {
		d.authHeader = name
		d.authValue = key
	}
}

// WithHeader adds a static request header.
func WithHeader(name, value string) DownloaderOption {
	return func(d *Downloader) {
		d.headers.Set(name, value)
	}
}

// WithDataPrefix overrides the "data:" line prefix for backends that frame
// events differently.
func WithDataPrefix(prefix string) DownloaderOption {
	return func(d *Downloader) {
		d.dataPrefix = prefix
	}
}

// Downloader is a [Source] that POSTs a request and consumes the response as
// line-delimited event frames.
type Downloader struct {
	endpoint   string
	codec      Codec
	client     *http.Client
	authHeader string
	authValue  string
	headers    http.Header
	dataPrefix string
}

var _ Source = (*Downloader)(nil)

// NewDownloader returns a Downloader posting to endpoint with codec.
func NewDownloader(endpoint string, codec Codec, opts ...DownloaderOption) (*Downloader, error) {
	if endpoint == "" {
		return nil, errors.New("stream: endpoint must not be empty")
	}
	if codec == nil {
		return nil, errors.New("stream: codec must not be nil")
	}
	d := &Downloader{
		endpoint:   endpoint,
		codec:      codec,
		client:     &http.Client{},
		headers:    make(http.Header),
		dataPrefix: defaultDataPrefix,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Stream implements [Source].
func (d *Downloader) Stream(ctx context.Context, req llm.CompletionRequest, h Handler) error {
	body, err := d.encode(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("stream: encode %s request: %w", d.codec.Name(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("stream: create request: %w", err)
	}
	d.authorize(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("stream: open: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("stream: open: %w", parseAPIError(resp.StatusCode, data))
	}

	return d.consume(ctx, resp.Body, h)
}

// authorize sets the static headers and the credentials on r.
func (d *Downloader) authorize(r *http.Request) {
	for name, values := range d.headers {
		r.Header[name] = values
	}
	if d.authHeader != "" {
		r.Header.Set(d.authHeader, d.authValue)
	}
}

// consume reads frames from r until the end signal, a backend error, or EOF.
func (d *Downloader) consume(ctx context.Context, r io.Reader, h Handler) error {
	log := observe.Logger(ctx).With(slog.String("codec", d.codec.Name()))
	dec := d.codec.NewDecoder()

	var backendErr error
	emit := func(e Event) {
		if backendErr != nil {
			return
		}
		if e.Kind == EventError {
			backendErr = e.Err
		}
		h(e)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		payload, ok := strings.CutPrefix(line, d.dataPrefix)
		if !ok {
			// Blank separators, comments and "event:" lines carry nothing
			// the codecs need.
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}

		err := dec.Decode([]byte(payload), emit)
		if backendErr != nil {
			return &BackendError{Err: backendErr}
		}
		if errors.Is(err, io.EOF) {
			dec.Finish(emit)
			h(Event{Kind: EventDone})
			return nil
		}
		if err != nil {
			log.Warn("skipping malformed stream frame", "err", err, "payload", truncate(payload, 200))
		}
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stream: read: %w", err)
	}

	// Body ended without an explicit end signal; treat as complete.
	dec.Finish(emit)
	if backendErr != nil {
		return &BackendError{Err: backendErr}
	}
	h(Event{Kind: EventDone})
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
