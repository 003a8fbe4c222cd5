package settings

import "encoding/json"

// CurrentVersion is the completion-settings schema version produced by Migrate.
//
// Schema versions:
// v1: baseline sampling parameters and stop words
// v2: include_thinking_in_context
// v3: jinja templating, thinking toggle, DRY sampler
const CurrentVersion = 3

// Record is a raw, versioned settings record as stored on disk.
// A missing "version" key means version 0.
type Record map[string]any

// step adds the fields introduced at one schema version.
type step struct {
	version int
	fields  []field
}

type field struct {
	key string
	def any
}

// steps is the ordered migration chain. steps[i] upgrades version i to i+1.
// A step may only add keys; it never removes or renames one.
var steps = []step{
	{version: 1, fields: []field{
		{"n_predict", 1024},
		{"temperature", 0.7},
		{"top_k", 40},
		{"top_p", 0.95},
		{"min_p", 0.05},
		{"xtc_threshold", 0.1},
		{"xtc_probability", 0.0},
		{"typical_p", 1.0},
		{"penalty_last_n", 64},
		{"penalty_repeat", 1.0},
		{"penalty_freq", 0.0},
		{"penalty_present", 0.0},
		{"mirostat", 0},
		{"mirostat_tau", 5.0},
		{"mirostat_eta", 0.1},
		{"seed", -1},
		{"n_probs", 0},
		{"stop", []string{}},
	}},
	{version: 2, fields: []field{
		{"include_thinking_in_context", true},
	}},
	{version: 3, fields: []field{
		{"jinja", true},
		{"enable_thinking", true},
		{"dry_multiplier", 0.0},
		{"dry_base", 1.75},
		{"dry_allowed_length", 2},
		{"dry_penalty_last_n", -1},
	}},
}

// Version returns the schema version of r, treating a missing or
// non-numeric version as 0.
func (r Record) Version() int {
	switch v := r["version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return 0
}

// Migrate upgrades r to CurrentVersion. The input is never modified; the
// result is a deep copy. Migrating a current record returns an equal record,
// and records newer than CurrentVersion are never downgraded.
func Migrate(r Record) Record {
	out := r.clone()
	v := out.Version()
	if v < 0 {
		v = 0
	}
	for ; v < CurrentVersion; v++ {
		s := steps[v]
		for _, f := range s.fields {
			if _, ok := out[f.key]; !ok {
				out[f.key] = cloneValue(f.def)
			}
		}
		out["version"] = s.version
	}
	return out
}

// fieldsUpTo reports every key introduced at or before version v.
func fieldsUpTo(v int) map[string]bool {
	known := map[string]bool{"version": true}
	for _, s := range steps {
		if s.version > v {
			break
		}
		for _, f := range s.fields {
			known[f.key] = true
		}
	}
	return known
}

func (r Record) clone() Record {
	out := make(Record, len(r)+8)
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = cloneValue(t[i])
		}
		return cp
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = cloneValue(e)
		}
		return cp
	}
	return v
}
