package settings

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateEmptyRecord(t *testing.T) {
	got := Migrate(Record{})
	assert.Equal(t, CurrentVersion, got.Version())
	for _, s := range steps {
		for _, f := range s.fields {
			assert.Contains(t, got, f.key)
		}
	}

	nilGot := Migrate(nil)
	if diff := cmp.Diff(got, nilGot); diff != "" {
		t.Errorf("Migrate(nil) differs from Migrate(empty) (-empty +nil):\n%s", diff)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	inputs := []Record{
		nil,
		{},
		{"version": 0},
		{"version": 1, "temperature": 0.2, "stop": []any{"</s>"}},
		{"version": 2.0, "include_thinking_in_context": false},
		{"temperature": 1.3, "custom": "kept"},
		{"version": CurrentVersion, "jinja": false},
	}

	for _, in := range inputs {
		once := Migrate(in)
		twice := Migrate(once)
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Errorf("Migrate not idempotent for %v (-once +twice):\n%s", in, diff)
		}
		assert.GreaterOrEqual(t, once.Version(), in.Version())
	}
}

func TestMigrateDoesNotMutateInput(t *testing.T) {
	in := Record{"version": 1, "stop": []any{"a"}}
	before := Record{"version": 1, "stop": []any{"a"}}

	out := Migrate(in)
	out["stop"] = append(out["stop"].([]any), "b")

	if diff := cmp.Diff(before, in); diff != "" {
		t.Errorf("input mutated (-want +got):\n%s", diff)
	}
}

func TestMigrateKeepsExistingValues(t *testing.T) {
	out := Migrate(Record{"version": 1, "temperature": 0.1, "custom": 7})
	assert.Equal(t, 0.1, out["temperature"])
	assert.Equal(t, 7, out["custom"])
	assert.Equal(t, true, out["include_thinking_in_context"])
	assert.Equal(t, 1.75, out["dry_base"])
}

func TestMigrateStepsAddOnlyTheirFields(t *testing.T) {
	out := Migrate(Record{"version": 2, "include_thinking_in_context": false})
	assert.Equal(t, false, out["include_thinking_in_context"])
	assert.Equal(t, true, out["jinja"])
	// version 2 records are past the baseline step, so baseline keys are not added.
	assert.NotContains(t, out, "temperature")
}

func TestMigrateNeverDowngrades(t *testing.T) {
	out := Migrate(Record{"version": CurrentVersion + 4, "future": true})
	assert.Equal(t, CurrentVersion+4, out.Version())
	assert.Equal(t, true, out["future"])
}

func TestDefault(t *testing.T) {
	d := Default()
	assert.Equal(t, CurrentVersion, d.Version)
	assert.Equal(t, 1024, d.NPredict)
	assert.Equal(t, 0.7, d.Temperature)
	assert.True(t, d.IncludeThinkingInContext)
	assert.True(t, d.Jinja)
	assert.NotNil(t, d.Stop)
	assert.Empty(t, d.Stop)
}

func TestNormalizeOldTypedRecord(t *testing.T) {
	old := CompletionSettings{Version: 1, Temperature: 0.3, Stop: []string{"###"}}
	got := Normalize(old)

	assert.Equal(t, CurrentVersion, got.Version)
	assert.Equal(t, 0.3, got.Temperature)
	assert.Equal(t, []string{"###"}, got.Stop)
	assert.True(t, got.IncludeThinkingInContext)
	assert.Equal(t, 1.75, got.DryBase)
}

func TestNormalizeCurrentIsNoop(t *testing.T) {
	d := Default()
	d.Temperature = 1.1
	if diff := cmp.Diff(d, Normalize(d)); diff != "" {
		t.Errorf("Normalize changed a current record (-want +got):\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(`{"version":2,"temperature":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, s.Version)
	assert.Equal(t, 0.5, s.Temperature)

	s, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestParseMalformedFallsBackToDefault(t *testing.T) {
	s, err := Parse([]byte(`{not json`))
	require.ErrorIs(t, err, ErrMigrationParseFailed)
	assert.Equal(t, Default(), s)

	s, err = Parse([]byte(`{"temperature":"hot"}`))
	require.ErrorIs(t, err, ErrMigrationParseFailed)
	assert.Equal(t, Default(), s)
}

func TestMarshalRoundTrip(t *testing.T) {
	d := Default().MergeStop("</s>")
	blob, err := Marshal(d)
	require.NoError(t, err)

	back, err := Parse(blob)
	require.NoError(t, err)
	if diff := cmp.Diff(d, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeStop(t *testing.T) {
	s := Default()
	s.Stop = []string{"user-word", "</s>"}

	got := s.MergeStop("</s>", "<|im_end|>", "", "<|im_end|>")
	assert.Equal(t, []string{"user-word", "</s>", "<|im_end|>"}, got.Stop)
	assert.Equal(t, []string{"user-word", "</s>"}, s.Stop, "receiver must not change")
}
