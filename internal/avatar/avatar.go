// Package avatar defines the playback sink the dialog pipeline drives: the
// animated character that speaks, changes its face and plays animations.
//
// The real implementation lives in the client (the 3D engine) and is reached
// through the remote package. [LogPerformer] stands in when no client is
// attached.
package avatar

import (
	"context"

	"github.com/MrWong99/avatarkit/internal/content"
	"github.com/MrWong99/avatarkit/pkg/audio"
)

// NeutralFace is the face shown when a response starts without a face
// directive, unless configured otherwise.
const NeutralFace = "Neutral"

// Performance is one content item ready to be played.
type Performance struct {
	content.Item

	// Voice is the synthesized speech for Item.Text. It is nil when the item
	// has no text or synthesis failed.
	Voice *audio.Clip
}

// Performer plays performances on an avatar.
//
// Implementations must be safe for concurrent use: Stop may be called while
// Perform is blocked.
type Performer interface {
	// Perform shows the performance's face and animation and plays its voice.
	// It returns when playback has finished or ctx is done.
	Perform(ctx context.Context, p Performance) error

	// SetFace changes the facial expression.
	SetFace(ctx context.Context, face string) error

	// Animate plays a named animation.
	Animate(ctx context.Context, name string) error

	// Stop halts any playing voice and animation immediately.
	Stop(ctx context.Context) error
}
