package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Mapping engine tuning — every field is safe to apply live.
	PersonalityChanged    bool
	ExpressivenessChanged bool
	MirrorFactorChanged   bool
	StageChanged          bool
	NewMapping            MappingConfig

	// Real-time lip-sync tick period.
	TickPeriodChanged bool
	NewTickPeriod     time.Duration
}

// MappingChanged reports whether any mapping engine field changed.
func (d ConfigDiff) MappingChanged() bool {
	return d.PersonalityChanged || d.ExpressivenessChanged || d.MirrorFactorChanged || d.StageChanged
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.MappingChanged() || d.TickPeriodChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Mapping.Personality != new.Mapping.Personality {
		d.PersonalityChanged = true
	}
	if old.Mapping.Expressiveness != new.Mapping.Expressiveness {
		d.ExpressivenessChanged = true
	}
	if old.Mapping.MirrorFactor != new.Mapping.MirrorFactor {
		d.MirrorFactorChanged = true
	}
	if old.Mapping.Stage != new.Mapping.Stage {
		d.StageChanged = true
	}
	if d.MappingChanged() {
		d.NewMapping = new.Mapping
	}

	if old.Animation.TickPeriodMs != new.Animation.TickPeriodMs {
		d.TickPeriodChanged = true
		d.NewTickPeriod = new.Animation.TickPeriod()
	}

	return d
}
