package config

import (
	"slices"
	"sort"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	ChannelsChanged bool          // true if any channel was added, removed or modified
	ChannelChanges  []ChannelDiff // per-channel diffs, sorted by name
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ChannelDiff describes what changed for a single channel between two configs.
type ChannelDiff struct {
	Name           string
	StreamsChanged bool
	VolumeChanged  bool
	LabelChanged   bool // display name, category or quality
	Added          bool
	Removed        bool
	Disabled       bool // enabled before, disabled now
}

// Stops reports whether a running session of this channel must be stopped.
func (d ChannelDiff) Stops() bool {
	return d.Removed || d.Disabled
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build channel lookup maps keyed by name.
	oldChannels := make(map[string]*ChannelConfig, len(old.Channels))
	for i := range old.Channels {
		oldChannels[old.Channels[i].Name] = &old.Channels[i]
	}
	newChannels := make(map[string]*ChannelConfig, len(new.Channels))
	for i := range new.Channels {
		newChannels[new.Channels[i].Name] = &new.Channels[i]
	}

	// Detect modified and removed channels.
	for name, oldCh := range oldChannels {
		newCh, exists := newChannels[name]
		if !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Removed: true})
			continue
		}
		cd := diffChannel(name, oldCh, newCh)
		if cd.StreamsChanged || cd.VolumeChanged || cd.LabelChanged || cd.Disabled || cd.Added {
			d.ChannelChanges = append(d.ChannelChanges, cd)
		}
	}

	// Detect added channels.
	for name := range newChannels {
		if _, exists := oldChannels[name]; !exists {
			d.ChannelChanges = append(d.ChannelChanges, ChannelDiff{Name: name, Added: true})
		}
	}

	sort.Slice(d.ChannelChanges, func(i, j int) bool {
		return d.ChannelChanges[i].Name < d.ChannelChanges[j].Name
	})
	d.ChannelsChanged = len(d.ChannelChanges) > 0
	return d
}

// diffChannel compares two channel configs with the same name. A channel
// that was disabled and is now enabled counts as added.
func diffChannel(name string, old, new *ChannelConfig) ChannelDiff {
	cd := ChannelDiff{Name: name}

	if !slices.Equal(old.Streams, new.Streams) {
		cd.StreamsChanged = true
	}
	if old.Volume != new.Volume {
		cd.VolumeChanged = true
	}
	if old.DisplayName != new.DisplayName || old.Category != new.Category || old.Quality != new.Quality {
		cd.LabelChanged = true
	}
	if old.IsEnabled() && !new.IsEnabled() {
		cd.Disabled = true
	}
	if !old.IsEnabled() && new.IsEnabled() {
		cd.Added = true
	}
	return cd
}
