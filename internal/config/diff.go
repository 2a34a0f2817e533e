package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied to a running server; every other changed
// section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections (YAML keys) whose
	// changes take effect only after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// The log level alone does not need a restart.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"model", old.Model, new.Model},
		{"voices", old.Voices, new.Voices},
		{"tokenizer", old.Tokenizer, new.Tokenizer},
		{"phonemizer", old.Phonemizer, new.Phonemizer},
		{"audio", old.Audio, new.Audio},
		{"telemetry", old.Telemetry, new.Telemetry},
		{"nats", old.NATS, new.NATS},
		{"session_log", old.SessionLog, new.SessionLog},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
