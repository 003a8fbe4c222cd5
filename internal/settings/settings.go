// Package settings holds the versioned completion-settings schema and the
// migration chain that upgrades stored records to the current version.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMigrationParseFailed is returned alongside a defaulted record when a
// stored settings blob cannot be decoded.
var ErrMigrationParseFailed = errors.New("settings: parse failed")

// CompletionSettings is the typed view of a current-version settings record.
type CompletionSettings struct {
	Version int `json:"version"`

	NPredict       int      `json:"n_predict"`
	Temperature    float64  `json:"temperature"`
	TopK           int      `json:"top_k"`
	TopP           float64  `json:"top_p"`
	MinP           float64  `json:"min_p"`
	XTCThreshold   float64  `json:"xtc_threshold"`
	XTCProbability float64  `json:"xtc_probability"`
	TypicalP       float64  `json:"typical_p"`
	PenaltyLastN   int      `json:"penalty_last_n"`
	PenaltyRepeat  float64  `json:"penalty_repeat"`
	PenaltyFreq    float64  `json:"penalty_freq"`
	PenaltyPresent float64  `json:"penalty_present"`
	Mirostat       int      `json:"mirostat"`
	MirostatTau    float64  `json:"mirostat_tau"`
	MirostatEta    float64  `json:"mirostat_eta"`
	Seed           int      `json:"seed"`
	NProbs         int      `json:"n_probs"`
	Stop           []string `json:"stop"`

	IncludeThinkingInContext bool `json:"include_thinking_in_context"`

	Jinja            bool    `json:"jinja"`
	EnableThinking   bool    `json:"enable_thinking"`
	DryMultiplier    float64 `json:"dry_multiplier"`
	DryBase          float64 `json:"dry_base"`
	DryAllowedLength int     `json:"dry_allowed_length"`
	DryPenaltyLastN  int     `json:"dry_penalty_last_n"`
}

// Default returns a fully defaulted current-version record.
func Default() CompletionSettings {
	s, err := Decode(Migrate(nil))
	if err != nil {
		// The built-in defaults always decode.
		panic(fmt.Sprintf("settings: decode defaults: %v", err))
	}
	return s
}

// Decode converts a record into the typed form. Keys absent from r take
// their zero value, so callers normally pass a migrated record.
func Decode(r Record) (CompletionSettings, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return CompletionSettings{}, fmt.Errorf("marshal record: %w", err)
	}
	var s CompletionSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return CompletionSettings{}, fmt.Errorf("decode record: %w", err)
	}
	if s.Stop == nil {
		s.Stop = []string{}
	}
	return s, nil
}

// Record returns the raw form of s. Only the keys known at s.Version are
// emitted, so migrating an old typed record still fills in later defaults.
func (s CompletionSettings) Record() Record {
	data, _ := json.Marshal(s)
	var all map[string]any
	_ = json.Unmarshal(data, &all)

	known := fieldsUpTo(s.Version)
	r := make(Record, len(all))
	for k, v := range all {
		if known[k] {
			r[k] = v
		}
	}
	r["version"] = s.Version
	return r
}

// Normalize migrates s to the current schema.
func Normalize(s CompletionSettings) CompletionSettings {
	out, err := Decode(Migrate(s.Record()))
	if err != nil {
		return Default()
	}
	return out
}

// Parse decodes a stored blob and migrates it. A blob that fails to parse
// yields Default() together with ErrMigrationParseFailed; the returned
// settings are always usable.
func Parse(blob []byte) (CompletionSettings, error) {
	if len(blob) == 0 {
		return Default(), nil
	}
	var r Record
	if err := json.Unmarshal(blob, &r); err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrMigrationParseFailed, err)
	}
	s, err := Decode(Migrate(r))
	if err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrMigrationParseFailed, err)
	}
	return s, nil
}

// Marshal encodes s after migrating it.
func Marshal(s CompletionSettings) ([]byte, error) {
	return json.Marshal(Migrate(s.Record()))
}

// Clone returns a copy of s that shares no slices with it.
func (s CompletionSettings) Clone() CompletionSettings {
	s.Stop = append([]string{}, s.Stop...)
	return s
}

// MergeStop adds words to s.Stop, keeping existing entries and order and
// skipping duplicates and empty strings.
func (s CompletionSettings) MergeStop(words ...string) CompletionSettings {
	out := s.Clone()
	seen := make(map[string]bool, len(out.Stop)+len(words))
	for _, w := range out.Stop {
		seen[w] = true
	}
	for _, w := range words {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out.Stop = append(out.Stop, w)
	}
	return out
}
