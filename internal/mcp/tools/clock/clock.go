// Package clock provides the "current_time" built-in tool so a character can
// answer questions about the date and time without an external server.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MrWong99/avatarkit/internal/mcp/tools"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

type timeArgs struct {
	Timezone string `json:"timezone"`
}

type timeResult struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
	Unix     int64  `json:"unix"`
}

// Tool returns the current_time tool. now is used as the clock; nil means
// [time.Now].
func Tool(now func() time.Time) tools.Tool {
	if now == nil {
		now = time.Now
	}
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "current_time",
			Description: "Get the current date and time. Use this whenever the user asks what time or day it is.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA time zone name such as Asia/Tokyo or Europe/Berlin. Defaults to the server's local zone.",
					},
				},
			},
		},
		Handler: func(_ context.Context, args string) (string, error) {
			var a timeArgs
			if args != "" {
				if err := json.Unmarshal([]byte(args), &a); err != nil {
					return "", fmt.Errorf("clock: parse arguments: %w", err)
				}
			}
			loc := time.Local
			if a.Timezone != "" {
				l, err := time.LoadLocation(a.Timezone)
				if err != nil {
					return "", fmt.Errorf("clock: unknown timezone %q", a.Timezone)
				}
				loc = l
			}
			t := now().In(loc)
			out, err := json.Marshal(timeResult{
				Timezone: loc.String(),
				Time:     t.Format(time.RFC3339),
				Weekday:  t.Weekday().String(),
				Unix:     t.Unix(),
			})
			if err != nil {
				return "", fmt.Errorf("clock: encode result: %w", err)
			}
			return string(out), nil
		},
		Timeout: time.Second,
	}
}
