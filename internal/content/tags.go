package content

import (
	"regexp"
	"strings"
)

// Default think block delimiters.
const (
	DefaultThinkStart = "<think>"
	DefaultThinkEnd   = "</think>"
)

var (
	tagPattern      = regexp.MustCompile(`\[(\w+):([^\]]+)\]`)
	catchAllPattern = regexp.MustCompile(`\[[^\]]*\]`)
)

// Extraction is the result of [Extractor.Extract].
type Extraction struct {
	// Text is the input with every bracketed span removed and whitespace
	// collapsed.
	Text string

	// Tags maps each recognised tag name to the first value found for it.
	Tags map[string]string
}

// Extractor finds directive tags and think blocks in generated text.
// The zero value is not usable; construct with [NewExtractor].
type Extractor struct {
	names      map[string]bool
	thinkStart string
	thinkEnd   string
}

// ExtractorOption configures an [Extractor].
type ExtractorOption func(*Extractor)

// WithThinkTags sets the delimiters of reasoning blocks. Empty values disable
// think handling.
func WithThinkTags(start, end string) ExtractorOption {
	return func(e *Extractor) {
		e.thinkStart = start
		e.thinkEnd = end
	}
}

// WithTagNames replaces the set of tag names that produce directives.
// Bracketed text with any other name is still stripped.
func WithTagNames(names ...string) ExtractorOption {
	return func(e *Extractor) {
		e.names = make(map[string]bool, len(names))
		for _, n := range names {
			e.names[strings.ToLower(n)] = true
		}
	}
}

// NewExtractor returns an Extractor recognising face, anim, vision and lang
// tags and <think>...</think> blocks unless configured otherwise.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		names: map[string]bool{
			TagFace: true, TagAnim: true, TagVision: true, TagLanguage: true,
		},
		thinkStart: DefaultThinkStart,
		thinkEnd:   DefaultThinkEnd,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns the speakable text of s and the directives it contains.
// s is expected to be free of think blocks; see [Extractor.SplitThink].
func (e *Extractor) Extract(s string) Extraction {
	out := Extraction{Tags: make(map[string]string)}
	for _, m := range tagPattern.FindAllStringSubmatch(s, -1) {
		name := strings.ToLower(m[1])
		if !e.names[name] {
			continue
		}
		if _, seen := out.Tags[name]; !seen {
			out.Tags[name] = strings.TrimSpace(m[2])
		}
	}
	out.Text = collapseSpace(catchAllPattern.ReplaceAllString(s, " "))
	return out
}

// SplitThink separates s into the visible text and the concatenated contents
// of its think blocks. An unterminated block hides everything after its start
// delimiter, so a block still being streamed never leaks into speech.
func (e *Extractor) SplitThink(s string) (visible, thought string) {
	if e.thinkStart == "" || e.thinkEnd == "" {
		return s, ""
	}
	var vis, th strings.Builder
	for {
		i := strings.Index(s, e.thinkStart)
		if i < 0 {
			vis.WriteString(s)
			break
		}
		vis.WriteString(s[:i])
		s = s[i+len(e.thinkStart):]
		j := strings.Index(s, e.thinkEnd)
		if j < 0 {
			th.WriteString(s)
			break
		}
		th.WriteString(s[:j])
		s = s[j+len(e.thinkEnd):]
	}
	return vis.String(), strings.TrimSpace(th.String())
}

// collapseSpace trims s and folds runs of spaces and tabs into one space.
// Line breaks are kept as a single space too.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
