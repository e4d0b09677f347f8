package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the voice-activity
// tuning, the debug toggles, and the log level. Provider, server, and archive
// changes require a restart and are reported so the operator can be told.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged bool
	NewVAD     VADConfig

	DebugChanged bool
	NewDebug     DebugConfig

	// RestartRequired is true when a non-reloadable section changed.
	RestartRequired bool
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VADChanged && !d.DebugChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Debug != new.Debug {
		d.DebugChanged = true
		d.NewDebug = new.Debug
	}

	if old.Provider != new.Provider || old.Audio != new.Audio || old.Archive != new.Archive {
		d.RestartRequired = true
	}
	if tlsChanged(old.Server.TLS, new.Server.TLS) || old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	return d
}

func tlsChanged(old, new *TLSConfig) bool {
	if (old == nil) != (new == nil) {
		return true
	}
	if old == nil {
		return false
	}
	return *old != *new
}
