package content

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/avatarkit/internal/observe"
)

// ParserOption configures a [Parser].
type ParserOption func(*Parser)

// WithExtractor replaces the default [Extractor].
func WithExtractor(e *Extractor) ParserOption {
	return func(p *Parser) {
		p.extractor = e
	}
}

// WithSeparators sets the sentence separators. See [DefaultSeparators].
func WithSeparators(seps ...string) ParserOption {
	return func(p *Parser) {
		p.splitter = NewSplitter(seps...)
	}
}

// WithKnownFaces restricts face directives to names. Unknown names are logged
// and dropped. An empty list accepts every name.
func WithKnownFaces(names ...string) ParserOption {
	return func(p *Parser) {
		p.faces = nameSet(names)
	}
}

// WithKnownAnimations restricts animation directives to names. Unknown names
// are logged and dropped. An empty list accepts every name.
func WithKnownAnimations(names ...string) ParserOption {
	return func(p *Parser) {
		p.anims = nameSet(names)
	}
}

// WithDefaultLanguage sets the language of items until a delta or a lang tag
// says otherwise.
func WithDefaultLanguage(lang string) ParserOption {
	return func(p *Parser) {
		p.language = lang
	}
}

// WithThoughtObserver registers fn to receive the think block text of every
// finished call that had one.
func WithThoughtObserver(fn func(thought string)) ParserOption {
	return func(p *Parser) {
		p.onThought = fn
	}
}

// Parser converts stream deltas into items on a [Queue]. One Parser serves a
// whole turn; call [Parser.Begin] before each additional generation call of
// the same turn.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	queue     *Queue
	extractor *Extractor
	splitter  *Splitter
	faces     map[string]bool
	anims     map[string]bool
	onThought func(string)

	raw      strings.Builder
	language string
	emitted  int
	vision   string
	thoughts []string
}

// NewParser returns a Parser pushing onto q.
func NewParser(q *Queue, opts ...ParserOption) *Parser {
	p := &Parser{
		queue:     q,
		extractor: NewExtractor(),
		splitter:  NewSplitter(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Begin starts a new generation call. Text from the previous call is
// discarded; the first-item marker is not reset.
func (p *Parser) Begin() {
	p.raw.Reset()
	p.splitter.Reset()
}

// Write appends a delta and pushes every segment it completed. lang, when
// set, becomes the language of subsequent items.
func (p *Parser) Write(ctx context.Context, delta, lang string) error {
	if lang != "" {
		p.language = lang
	}
	if delta == "" {
		return nil
	}
	p.raw.WriteString(delta)
	return p.emit(ctx, false)
}

// Flush pushes the final segment of the current call.
func (p *Parser) Flush(ctx context.Context) error {
	if err := p.emit(ctx, true); err != nil {
		return err
	}
	_, thought := p.extractor.SplitThink(p.raw.String())
	if thought != "" {
		p.thoughts = append(p.thoughts, thought)
		if p.onThought != nil {
			p.onThought(thought)
		}
	}
	return nil
}

// Vision returns the value of the first vision tag seen in this turn.
func (p *Parser) Vision() string { return p.vision }

// ClearVision forgets a seen vision tag.
func (p *Parser) ClearVision() { p.vision = "" }

// Thoughts returns the think block text of every flushed call.
func (p *Parser) Thoughts() []string { return p.thoughts }

// Emitted returns the number of items pushed so far.
func (p *Parser) Emitted() int { return p.emitted }

func (p *Parser) emit(ctx context.Context, final bool) error {
	visible, _ := p.extractor.SplitThink(p.raw.String())
	for _, seg := range p.splitter.Next(visible, final) {
		it, ok := p.item(ctx, seg)
		if !ok {
			continue
		}
		if err := p.queue.Push(it); err != nil {
			return err
		}
		p.emitted++
		observe.DefaultMetrics().ContentItems.Add(ctx, 1)
	}
	return nil
}

// item builds the item for one segment. ok is false when the segment has
// nothing to speak or perform.
func (p *Parser) item(ctx context.Context, seg string) (Item, bool) {
	ex := p.extractor.Extract(seg)
	if lang := ex.Tags[TagLanguage]; lang != "" {
		p.language = lang
	}
	if v := ex.Tags[TagVision]; v != "" && p.vision == "" {
		p.vision = v
	}

	it := Item{Text: ex.Text, Language: p.language}
	if face := ex.Tags[TagFace]; face != "" {
		if known(p.faces, face) {
			it.Face = face
		} else {
			observe.Logger(ctx).Warn("dropping unknown face directive", slog.String("face", face))
		}
	}
	if anim := ex.Tags[TagAnim]; anim != "" {
		if known(p.anims, anim) {
			it.Animation = anim
		} else {
			observe.Logger(ctx).Warn("dropping unknown animation directive", slog.String("animation", anim))
		}
	}
	if it.Text == "" && !it.HasDirective() {
		return Item{}, false
	}
	it.IsFirst = p.emitted == 0
	return it, true
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = true
	}
	return m
}

func known(set map[string]bool, name string) bool {
	return set == nil || set[strings.ToLower(name)]
}
