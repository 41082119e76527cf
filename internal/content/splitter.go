package content

import "strings"

// DefaultSeparators are the sentence terminators used when none are
// configured: East Asian period, comma, question and exclamation marks, and
// the Latin period and comma when followed by a space. Other marks, such as
// a Latin "? ", are opt-in through configuration.
var DefaultSeparators = []string{"。", "、", "？", "！", ". ", ", "}

// Splitter cuts a cumulative text buffer into segments and hands each one
// out exactly once. The buffer passed to successive calls must only grow.
//
// A Splitter is not safe for concurrent use.
type Splitter struct {
	separators []string
	cursor     int
}

// NewSplitter returns a Splitter using separators, or [DefaultSeparators]
// when none are given.
func NewSplitter(separators ...string) *Splitter {
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	seps := make([]string, 0, len(separators))
	for _, s := range separators {
		if s != "" {
			seps = append(seps, s)
		}
	}
	return &Splitter{separators: seps}
}

// Next returns the segments of buf that became available since the previous
// call. The last segment is held back until final is true because more text
// may still extend it. Blank segments are skipped but still consumed.
func (s *Splitter) Next(buf string, final bool) []string {
	segs := s.Split(buf)
	end := len(segs) - 1
	if final {
		end = len(segs)
	}
	var out []string
	for ; s.cursor < end; s.cursor++ {
		seg := strings.TrimSpace(segs[s.cursor])
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Cursor returns the number of segments consumed so far.
func (s *Splitter) Cursor() int { return s.cursor }

// Reset forgets the consumed segments so a new buffer can be split.
func (s *Splitter) Reset() { s.cursor = 0 }

// Split cuts buf after every separator that is not inside a [...] span. The
// separator stays with the segment it ends, except for the trailing space of
// a Latin separator. The result always has at least one element; the last one
// is the unterminated remainder and may be empty.
func (s *Splitter) Split(buf string) []string {
	var segs []string
	start, depth := 0, 0
	for i := 0; i < len(buf); {
		switch buf[i] {
		case '[':
			depth++
			i++
			continue
		case ']':
			if depth > 0 {
				depth--
			}
			i++
			continue
		}
		if depth == 0 {
			if sep := s.matchAt(buf, i); sep != "" {
				cut := i + len(strings.TrimRight(sep, " "))
				segs = append(segs, buf[start:cut])
				i += len(sep)
				start = i
				continue
			}
		}
		i++
	}
	return append(segs, buf[start:])
}

func (s *Splitter) matchAt(buf string, i int) string {
	for _, sep := range s.separators {
		if strings.HasPrefix(buf[i:], sep) {
			return sep
		}
	}
	return ""
}
