package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running server are tracked; anything
// else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SystemPromptChanged is set when the character's system or vision
	// prompt changed.
	SystemPromptChanged bool

	// DialogChanged is set when any setting consumed by the dialog manager
	// changed: word lists, matching rules, timeouts or canned utterances.
	DialogChanged bool

	// WordsChanged narrows DialogChanged down to the wake, cancel and end
	// word lists.
	WordsChanged bool

	ErrorMessageChanged bool

	// RestartRequired lists the top-level sections whose changes are ignored
	// until the next start.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SystemPromptChanged && !d.DialogChanged &&
		!d.ErrorMessageChanged && len(d.RestartRequired) == 0
}

// Changes names the hot-applied settings that changed, for logging.
func (d ConfigDiff) Changes() []string {
	var out []string
	if d.LogLevelChanged {
		out = append(out, "log_level")
	}
	if d.SystemPromptChanged {
		out = append(out, "prompts")
	}
	if d.WordsChanged {
		out = append(out, "words")
	} else if d.DialogChanged {
		out = append(out, "dialog")
	}
	if d.ErrorMessageChanged {
		out = append(out, "error_message")
	}
	return out
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Character, new.Character
	if oc.SystemPrompt != nc.SystemPrompt || oc.VisionPrompt != nc.VisionPrompt {
		d.SystemPromptChanged = true
	}
	if oc.ErrorMessage != nc.ErrorMessage || oc.ErrorFace != nc.ErrorFace {
		d.ErrorMessageChanged = true
	}

	od, nd := old.Dialog, new.Dialog
	d.WordsChanged = !slices.Equal(od.WakeWords, nd.WakeWords) ||
		!slices.Equal(od.CancelWords, nd.CancelWords) ||
		!slices.Equal(od.EndWords, nd.EndWords)
	d.DialogChanged = d.WordsChanged || d.ErrorMessageChanged ||
		od.AllowedPrefix != nd.AllowedPrefix ||
		od.AllowedSuffix != nd.AllowedSuffix ||
		od.FuzzyThreshold != nd.FuzzyThreshold ||
		od.ListenTimeout != nd.ListenTimeout ||
		Bool(od.ContinueTopic, true) != Bool(nd.ContinueTopic, true) ||
		oc.PromptUtterance != nc.PromptUtterance ||
		oc.WaitingAnimation != nc.WaitingAnimation

	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.VoiceEncoding != new.Server.VoiceEncoding {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if !slices.EqualFunc(old.MCP.Servers, new.MCP.Servers, mcpServerEqual) || !slices.Equal(old.MCP.Builtins, new.MCP.Builtins) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) && entryEqual(a.TTS, b.TTS)
}

// entryEqual ignores Options, which may hold unhashable values.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	return slices.EqualFunc(a.Fallbacks, b.Fallbacks, entryEqual)
}

func mcpServerEqual(a, b MCPServerConfig) bool {
	if a.Name != b.Name || a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL {
		return false
	}
	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}
