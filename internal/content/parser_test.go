package content

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
)

// drain returns every queued item.
func drain(q *Queue) []Item {
	var out []Item
	for {
		it, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, it)
	}
}

func texts(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Text
	}
	return out
}

// chunk cuts s into pieces of random byte length, keeping runes whole.
func chunk(r *rand.Rand, s string) []string {
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := 1 + r.IntN(6)
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func TestParser_OrderingAcrossChunkBoundaries(t *testing.T) {
	t.Parallel()
	const text = "[face:Joy]Good morning, it is sunny today. <think>should I mention rain?</think>Let's go for a walk. 散歩しましょう。[anim:wave]Bye"
	want := []string{"Good morning,", "it is sunny today.", "Let's go for a walk.", "散歩しましょう。", "Bye"}

	r := rand.New(rand.NewPCG(1, 2))
	for trial := range 50 {
		q := NewQueue()
		p := NewParser(q)
		for _, c := range chunk(r, text) {
			if err := p.Write(context.Background(), c, ""); err != nil {
				t.Fatal(err)
			}
		}
		if err := p.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
		items := drain(q)
		if got := texts(items); !slices.Equal(got, want) {
			t.Fatalf("trial %d: texts = %q, want %q", trial, got, want)
		}
		if items[0].Face != "Joy" || !items[0].IsFirst {
			t.Errorf("trial %d: first item = %+v", trial, items[0])
		}
		if items[4].Animation != "wave" {
			t.Errorf("trial %d: last item = %+v", trial, items[4])
		}
		for _, it := range items[1:] {
			if it.IsFirst {
				t.Errorf("trial %d: IsFirst on %q", trial, it.Text)
			}
		}
		if th := p.Thoughts(); len(th) != 1 || th[0] != "should I mention rain?" {
			t.Errorf("trial %d: thoughts = %q", trial, th)
		}
	}
}

func TestParser_EmitsBeforeFlush(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	p := NewParser(q)
	ctx := context.Background()

	_ = p.Write(ctx, "First sentence. Sec", "")
	if got := texts(drain(q)); !slices.Equal(got, []string{"First sentence."}) {
		t.Fatalf("after first write: %q", got)
	}
	_ = p.Write(ctx, "ond", "")
	if q.Len() != 0 {
		t.Fatal("unterminated sentence emitted early")
	}
	_ = p.Flush(ctx)
	if got := texts(drain(q)); !slices.Equal(got, []string{"Second"}) {
		t.Fatalf("after flush: %q", got)
	}
}

func TestParser_TagSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	p := NewParser(q)
	ctx := context.Background()
	for _, c := range []string{"Hello [fa", "ce:Jo", "y] world.", " Next"} {
		_ = p.Write(ctx, c, "")
	}
	_ = p.Flush(ctx)
	items := drain(q)
	if len(items) != 2 || items[0].Text != "Hello world." || items[0].Face != "Joy" {
		t.Errorf("items = %+v", items)
	}
}

func TestParser_UnknownDirectivesDropped(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	p := NewParser(q, WithKnownFaces("Joy", "Neutral"), WithKnownAnimations("wave"))
	ctx := context.Background()
	_ = p.Write(ctx, "[face:Smug][anim:backflip]Heh. [face:joy][anim:wave]Hi. [anim:moonwalk]", "")
	_ = p.Flush(ctx)

	items := drain(q)
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Text != "Heh." || items[0].HasDirective() {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].Face != "joy" || items[1].Animation != "wave" {
		t.Errorf("item 1 = %+v", items[1])
	}
}

func TestParser_TagOnlySegment(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	p := NewParser(q)
	_ = p.Write(context.Background(), "[anim:bow]", "")
	_ = p.Flush(context.Background())
	items := drain(q)
	if len(items) != 1 || items[0].Text != "" || items[0].Animation != "bow" || !items[0].IsFirst {
		t.Errorf("items = %+v", items)
	}
}

func TestParser_Language(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	p := NewParser(q, WithDefaultLanguage("en-US"))
	ctx := context.Background()
	_ = p.Write(ctx, "Hello. ", "")
	_ = p.Write(ctx, "[lang:ja-JP]こんにちは。", "")
	_ = p.Write(ctx, "Bonjour. ", "fr-FR")
	_ = p.Flush(ctx)

	var langs []string
	for _, it := range drain(q) {
		langs = append(langs, it.Language)
	}
	if !slices.Equal(langs, []string{"en-US", "ja-JP", "fr-FR"}) {
		t.Errorf("languages = %q", langs)
	}
}

func TestParser_VisionAndBegin(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	var observed []string
	p := NewParser(q, WithThoughtObserver(func(s string) { observed = append(observed, s) }))
	ctx := context.Background()

	_ = p.Write(ctx, "<think>need to look</think>Let me see. [vision:camera]", "")
	_ = p.Flush(ctx)
	if p.Vision() != "camera" {
		t.Fatalf("Vision = %q", p.Vision())
	}

	p.ClearVision()
	p.Begin()
	_ = p.Write(ctx, "A red cup.", "")
	_ = p.Flush(ctx)

	items := drain(q)
	if got := texts(items); !slices.Equal(got, []string{"Let me see.", "A red cup."}) {
		t.Fatalf("texts = %q", got)
	}
	if !items[0].IsFirst || items[1].IsFirst {
		t.Error("only the first item of the turn may be marked first")
	}
	if p.Vision() != "" {
		t.Errorf("Vision after clear = %q", p.Vision())
	}
	if len(observed) != 1 || !strings.Contains(observed[0], "look") {
		t.Errorf("observed = %q", observed)
	}
	if p.Emitted() != 2 {
		t.Errorf("Emitted = %d", p.Emitted())
	}
}

func TestParser_ClosedQueue(t *testing.T) {
	t.Parallel()
	q := NewQueue()
	q.Close()
	p := NewParser(q)
	if err := p.Write(context.Background(), "Done. ", ""); err == nil {
		t.Error("expected error writing to a closed queue")
	}
}
