package content

import "testing"

func TestExtract_RoundTrip(t *testing.T) {
	t.Parallel()
	e := NewExtractor()

	got := e.Extract("Hello [face:Joy] world.")
	if got.Text != "Hello world." {
		t.Errorf("Text = %q, want %q", got.Text, "Hello world.")
	}
	if got.Tags[TagFace] != "Joy" || len(got.Tags) != 1 {
		t.Errorf("Tags = %v, want face=Joy only", got.Tags)
	}

	got = e.Extract("Nice to meet you [smile]!")
	if got.Text != "Nice to meet you !" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Tags) != 0 {
		t.Errorf("malformed tag produced directives: %v", got.Tags)
	}
}

func TestExtract(t *testing.T) {
	t.Parallel()
	e := NewExtractor()
	tests := []struct {
		name     string
		in       string
		wantText string
		wantTags map[string]string
	}{
		{"plain", "Just text.", "Just text.", map[string]string{}},
		{"first value wins", "[face:Angry]Hmm [face:Joy] ok.", "Hmm ok.", map[string]string{"face": "Angry"}},
		{"all kinds", "[anim:wave][lang:ja-JP][vision:camera]やあ。", "やあ。", map[string]string{"anim": "wave", "lang": "ja-JP", "vision": "camera"}},
		{"unrecognised name", "[mood:calm] Fine.", "Fine.", map[string]string{}},
		{"case insensitive name", "[Face:Sorrow] Oh.", "Oh.", map[string]string{"face": "Sorrow"}},
		{"tag only", "[anim:bow]", "", map[string]string{"anim": "bow"}},
		{"empty brackets", "A [] B", "A B", map[string]string{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Extract(tc.in)
			if got.Text != tc.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tc.wantText)
			}
			if len(got.Tags) != len(tc.wantTags) {
				t.Fatalf("Tags = %v, want %v", got.Tags, tc.wantTags)
			}
			for k, v := range tc.wantTags {
				if got.Tags[k] != v {
					t.Errorf("Tags[%s] = %q, want %q", k, got.Tags[k], v)
				}
			}
		})
	}
}

func TestExtract_CustomNames(t *testing.T) {
	t.Parallel()
	e := NewExtractor(WithTagNames("mood"))
	got := e.Extract("[mood:calm][face:Joy] ok")
	if got.Tags["mood"] != "calm" || got.Tags[TagFace] != "" {
		t.Errorf("Tags = %v", got.Tags)
	}
}

func TestSplitThink(t *testing.T) {
	t.Parallel()
	e := NewExtractor()
	tests := []struct {
		in, visible, thought string
	}{
		{"no thinking", "no thinking", ""},
		{"<think>plan it</think>Answer.", "Answer.", "plan it"},
		{"A <think>x</think>B<think>y</think> C", "A B C", "xy"},
		{"Sure. <think>still going", "Sure. ", "still going"},
	}
	for _, tc := range tests {
		vis, th := e.SplitThink(tc.in)
		if vis != tc.visible || th != tc.thought {
			t.Errorf("SplitThink(%q) = (%q, %q), want (%q, %q)", tc.in, vis, th, tc.visible, tc.thought)
		}
	}

	custom := NewExtractor(WithThinkTags("<<", ">>"))
	if vis, th := custom.SplitThink("a<<b>>c"); vis != "ac" || th != "b" {
		t.Errorf("custom delimiters: (%q, %q)", vis, th)
	}
	off := NewExtractor(WithThinkTags("", ""))
	if vis, _ := off.SplitThink("<think>x</think>"); vis != "<think>x</think>" {
		t.Errorf("disabled think handling altered text: %q", vis)
	}
}
