// Package content turns a growing stream of generated text into an ordered
// sequence of speakable [Item] values.
//
// Three pieces cooperate:
//
//   - [Extractor] strips bracketed directives such as [face:Joy] and think
//     blocks from text and reports the directive values.
//   - [Splitter] cuts the cumulative text into sentence-like segments and
//     remembers how many it has already handed out.
//   - [Parser] feeds stream deltas through both and pushes finished items onto
//     a [Queue] for the playback coordinator.
package content

// Tag names recognised in generated text.
const (
	TagFace     = "face"
	TagAnim     = "anim"
	TagVision   = "vision"
	TagLanguage = "lang"
)

// Item is one speakable unit together with the directives that accompany it.
type Item struct {
	// Text is the speakable text with every directive removed. It may be
	// empty when the segment carried only directives.
	Text string

	// IsFirst marks the first item of a new response.
	IsFirst bool

	// Face is the face expression to show, or empty.
	Face string

	// Animation is the animation to play, or empty.
	Animation string

	// Language is the language code used to pick the synthesis voice, or
	// empty for the default.
	Language string
}

// HasDirective reports whether the item asks the avatar to do anything
// besides speaking.
func (it Item) HasDirective() bool {
	return it.Face != "" || it.Animation != ""
}
