package config

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; the other flags let
// the caller report which edits are pending.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProviderChanged  bool
	InterviewChanged bool
	AudioChanged     bool
	PersonaChanged   bool
}

// RequiresRestart reports whether any change other than the log level was
// detected.
func (d ConfigDiff) RequiresRestart() bool {
	return d.ProviderChanged || d.InterviewChanged || d.AudioChanged || d.PersonaChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ProviderChanged = !providerEqual(old.Provider, new.Provider) || !failoverEqual(old.Failover, new.Failover)
	d.InterviewChanged = old.Interview != new.Interview
	d.AudioChanged = old.Audio != new.Audio
	d.PersonaChanged = old.Persona != new.Persona

	return d
}

// providerEqual compares two provider entries. Options are compared shallowly
// by key and formatted value.
func providerEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Voice != b.Voice {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !sameValue(av, bv) {
			return false
		}
	}
	return true
}

func failoverEqual(a, b FailoverConfig) bool {
	if a.MaxFailures != b.MaxFailures || a.ResetTimeout != b.ResetTimeout ||
		len(a.Providers) != len(b.Providers) {
		return false
	}
	for i := range a.Providers {
		if !providerEqual(a.Providers[i], b.Providers[i]) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !sameValue(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
