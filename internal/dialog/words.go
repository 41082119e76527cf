package dialog

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// WordMatcher recognises trigger words (wake, cancel or end words) in
// recognised speech or typed text. Matching is case-insensitive. A word may
// be preceded and followed by characters from the allowed sets, so with
// allowed prefix "ねえ、 " the wake word "みらい" also matches "ねえ、みらい".
//
// When a fuzzy threshold is set and the literal match fails, the leading
// tokens of the text are compared phonetically: their Double Metaphone codes
// must overlap with the word's and their Jaro-Winkler similarity must reach
// the threshold. This tolerates recognition slips such as "Mira" for "Mirai".
//
// A WordMatcher is immutable and safe for concurrent use.
type WordMatcher struct {
	words     []string
	prefix    string
	suffix    string
	threshold float64
}

// WordOption configures a [WordMatcher].
type WordOption func(*WordMatcher)

// WithAllowedPrefix sets the characters tolerated before a word.
func WithAllowedPrefix(chars string) WordOption {
	return func(m *WordMatcher) {
		m.prefix = chars
	}
}

// WithAllowedSuffix sets the characters tolerated after a word.
func WithAllowedSuffix(chars string) WordOption {
	return func(m *WordMatcher) {
		m.suffix = chars
	}
}

// WithFuzzyThreshold enables phonetic matching with the given minimum
// Jaro-Winkler similarity (0..1). Zero disables it.
func WithFuzzyThreshold(t float64) WordOption {
	return func(m *WordMatcher) {
		m.threshold = t
	}
}

// NewWordMatcher returns a matcher for words. Blank words are ignored.
func NewWordMatcher(words []string, opts ...WordOption) *WordMatcher {
	m := &WordMatcher{}
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			m.words = append(m.words, w)
		}
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Empty reports whether the matcher has no words.
func (m *WordMatcher) Empty() bool { return len(m.words) == 0 }

// Match reports whether text starts with a word, after allowed prefix
// characters. rest is the text following the word and any allowed suffix
// characters, with its original casing.
func (m *WordMatcher) Match(text string) (rest string, ok bool) {
	lower := strings.ToLower(text)
	for _, w := range m.words {
		idx := strings.Index(lower, w)
		if idx < 0 || !m.onlyAllowed(lower[:idx], m.prefix) {
			continue
		}
		// Lowercasing can change byte lengths; map the cut back by runes.
		cut := runeOffset(text, utf8.RuneCountInString(lower[:idx+len(w)]))
		return strings.TrimSpace(strings.TrimLeft(text[cut:], m.suffix+" \t")), true
	}
	if rest, ok := m.fuzzy(text); ok {
		return rest, true
	}
	return "", false
}

// Exact reports whether text consists of a word and allowed characters only.
func (m *WordMatcher) Exact(text string) bool {
	rest, ok := m.Match(text)
	return ok && m.onlyAllowed(rest, m.suffix)
}

// Contains reports whether any word occurs anywhere in text.
func (m *WordMatcher) Contains(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range m.words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (m *WordMatcher) onlyAllowed(s, allowed string) bool {
	return strings.Trim(s, allowed+" \t\r\n") == ""
}

// fuzzy compares the leading tokens of text with every word phonetically.
func (m *WordMatcher) fuzzy(text string) (string, bool) {
	if m.threshold <= 0 {
		return "", false
	}
	tokens := strings.Fields(strings.TrimLeft(text, m.prefix+" \t"))
	for _, w := range m.words {
		n := len(strings.Fields(w))
		if n == 0 || len(tokens) < n {
			continue
		}
		candidate := strings.ToLower(strings.Trim(strings.Join(tokens[:n], " "), m.suffix))
		if !phoneticOverlap(candidate, w) {
			continue
		}
		if matchr.JaroWinkler(candidate, w, false) >= m.threshold {
			return strings.TrimSpace(strings.TrimLeft(strings.Join(tokens[n:], " "), m.suffix+" ")), true
		}
	}
	return "", false
}

func phoneticOverlap(a, b string) bool {
	codes := make(map[string]bool)
	for _, t := range strings.Fields(a) {
		p, s := matchr.DoubleMetaphone(t)
		codes[p], codes[s] = true, true
	}
	delete(codes, "")
	for _, t := range strings.Fields(b) {
		p, s := matchr.DoubleMetaphone(t)
		if (p != "" && codes[p]) || (s != "" && codes[s]) {
			return true
		}
	}
	return false
}

// runeOffset returns the byte offset of the n-th rune of s.
func runeOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}
