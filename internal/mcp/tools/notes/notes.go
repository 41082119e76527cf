// Package notes provides built-in tools that let a character keep short text
// notes between conversations. Notes live as files under one base directory;
// names that would escape it are rejected.
//
// Tools returned by [NewTools]:
//   - "save_note": store text under a name, replacing any earlier note.
//   - "read_note": return the text of a note.
//   - "list_notes": list stored note names.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/avatarkit/internal/mcp/tools"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

const (
	ext = ".txt"

	// maxNoteBytes caps both saved and returned note text.
	maxNoteBytes = 64 << 10
)

type saveArgs struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type readArgs struct {
	Name string `json:"name"`
}

type noteResult struct {
	Name  string `json:"name"`
	Text  string `json:"text,omitempty"`
	Bytes int    `json:"bytes,omitempty"`
}

type listResult struct {
	Names []string `json:"names"`
}

// notePath resolves name to a file inside baseDir. Separators, "..", and
// empty names are rejected.
func notePath(baseDir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("notes: name must not be empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("notes: invalid note name %q", name)
	}
	p := filepath.Join(baseDir, name+ext)
	if filepath.Dir(p) != filepath.Clean(baseDir) {
		return "", fmt.Errorf("notes: note name %q escapes the notes directory", name)
	}
	return p, nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("notes: encode result: %w", err)
	}
	return string(b), nil
}

func saveHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a saveArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("notes: save_note: parse arguments: %w", err)
		}
		if len(a.Text) > maxNoteBytes {
			return "", fmt.Errorf("notes: save_note: text is %d bytes, max %d", len(a.Text), maxNoteBytes)
		}
		p, err := notePath(baseDir, a.Name)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("notes: save_note: %w", err)
		}
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return "", fmt.Errorf("notes: save_note: create directory: %w", err)
		}
		if err := os.WriteFile(p, []byte(a.Text), 0o644); err != nil {
			return "", fmt.Errorf("notes: save_note: %w", err)
		}
		return encode(noteResult{Name: strings.TrimSpace(a.Name), Bytes: len(a.Text)})
	}
}

func readHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a readArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("notes: read_note: parse arguments: %w", err)
		}
		p, err := notePath(baseDir, a.Name)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("notes: read_note: %w", err)
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("notes: read_note: no note named %q", strings.TrimSpace(a.Name))
		}
		if err != nil {
			return "", fmt.Errorf("notes: read_note: %w", err)
		}
		if len(data) > maxNoteBytes {
			data = data[:maxNoteBytes]
		}
		return encode(noteResult{Name: strings.TrimSpace(a.Name), Text: string(data)})
	}
}

func listHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, _ string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("notes: list_notes: %w", err)
		}
		entries, err := os.ReadDir(baseDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("notes: list_notes: %w", err)
		}
		names := []string{}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
				continue
			}
			names = append(names, strings.TrimSuffix(e.Name(), ext))
		}
		slices.Sort(names)
		return encode(listResult{Names: names})
	}
}

// NewTools returns the note tools storing files in baseDir. The directory is
// created on the first save.
func NewTools(baseDir string) []tools.Tool {
	nameParam := map[string]any{
		"type":        "string",
		"description": "Short note name, for example favourite_food. Must not contain slashes.",
	}
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "save_note",
				Description: "Remember a piece of text under a name so it can be recalled in later conversations. Replaces an existing note with the same name.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": nameParam,
						"text": map[string]any{"type": "string", "description": "Text to remember."},
					},
					"required": []string{"name", "text"},
				},
			},
			Handler: saveHandler(baseDir),
			Timeout: 2 * time.Second,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "read_note",
				Description: "Recall a note saved earlier with save_note.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"name": nameParam},
					"required":   []string{"name"},
				},
			},
			Handler: readHandler(baseDir),
			Timeout: 2 * time.Second,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "list_notes",
				Description: "List the names of all saved notes.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Handler: listHandler(baseDir),
			Timeout: 2 * time.Second,
		},
	}
}
