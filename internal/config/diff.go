package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StreamChanged is true if any stream tunable other than the vocabulary
	// changed. New values apply to streams started after the reload.
	StreamChanged bool

	// VocabularyChanged is true if the corrector vocabulary changed.
	VocabularyChanged bool
	AddedTerms        []string
	RemovedTerms      []string

	// RestartRequired is true if providers, store, discord or listen address
	// changed. Those are only read at startup.
	RestartRequired bool
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.StreamChanged && !d.VocabularyChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldStream, newStream := old.Stream, new.Stream
	oldStream.Vocabulary, newStream.Vocabulary = nil, nil
	if !reflect.DeepEqual(oldStream, newStream) {
		d.StreamChanged = true
	}

	for _, term := range new.Stream.Vocabulary {
		if !slices.Contains(old.Stream.Vocabulary, term) {
			d.AddedTerms = append(d.AddedTerms, term)
		}
	}
	for _, term := range old.Stream.Vocabulary {
		if !slices.Contains(new.Stream.Vocabulary, term) {
			d.RemovedTerms = append(d.RemovedTerms, term)
		}
	}
	d.VocabularyChanged = len(d.AddedTerms) > 0 || len(d.RemovedTerms) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Providers, new.Providers) ||
		old.Store != new.Store ||
		old.Discord != new.Discord ||
		old.Resilience != new.Resilience {
		d.RestartRequired = true
	}
	return d
}
