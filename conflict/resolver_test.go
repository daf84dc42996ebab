package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(minutes int) *time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
	return &t
}

func record(fields ...FieldConflict) *ConflictRecord {
	return NewRecord("companies", "rec_1", "Account", "001",
		map[string]any{"Name": "Acme", "Phone": "111"},
		map[string]any{"Name": "Acme Inc", "Phone": "222"},
		fields)
}

func TestDetect(t *testing.T) {
	assert.False(t, Detect("a", "a"))
	assert.True(t, Detect("a", "b"))
	assert.False(t, Detect(int64(30), float64(30)))
	assert.True(t, Detect(nil, ""))
	assert.False(t, Detect([]any{"x", int64(1)}, []any{"x", float64(1)}))
	assert.True(t, Detect([]any{"x"}, []any{"x", "y"}))
	assert.False(t, Detect(map[string]any{"a": 1}, map[string]any{"a": 1.0}))
	assert.True(t, Detect("Acme", "acme"))
}

func TestLastWrite(t *testing.T) {
	r := NewResolver(LastWrite)

	cases := []struct {
		name   string
		fields []FieldConflict
		winner Winner
		tie    bool
	}{
		{
			name:   "source newer",
			fields: []FieldConflict{{TargetField: "Name", SourceModifiedAt: at(10), TargetModifiedAt: at(5)}},
			winner: WinnerSource,
		},
		{
			name:   "target newer",
			fields: []FieldConflict{{TargetField: "Name", SourceModifiedAt: at(5), TargetModifiedAt: at(10)}},
			winner: WinnerTarget,
		},
		{
			name:   "only target timestamped",
			fields: []FieldConflict{{TargetField: "Name", TargetModifiedAt: at(1)}},
			winner: WinnerTarget,
		},
		{
			name:   "only source timestamped",
			fields: []FieldConflict{{TargetField: "Name", SourceModifiedAt: at(1)}},
			winner: WinnerSource,
		},
		{
			name:   "no timestamps",
			fields: []FieldConflict{{TargetField: "Name"}},
			winner: WinnerSource,
			tie:    true,
		},
		{
			name:   "equal timestamps",
			fields: []FieldConflict{{TargetField: "Name", SourceModifiedAt: at(3), TargetModifiedAt: at(3)}},
			winner: WinnerSource,
			tie:    true,
		},
		{
			name: "max across fields",
			fields: []FieldConflict{
				{TargetField: "Name", SourceModifiedAt: at(20), TargetModifiedAt: at(1)},
				{TargetField: "Phone", SourceModifiedAt: at(2), TargetModifiedAt: at(15)},
			},
			winner: WinnerSource,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := record(tc.fields...)
			res, err := r.Resolve(rec)
			require.NoError(t, err)
			assert.Equal(t, tc.winner, res.Winner)
			assert.Equal(t, tc.tie, res.Tie)
			if tc.winner == WinnerSource {
				assert.Equal(t, rec.SourceData, res.Data)
			} else {
				assert.Equal(t, rec.TargetData, res.Data)
			}
		})
	}
}

func TestFixedWinnersIgnoreTimestamps(t *testing.T) {
	rec := record(FieldConflict{TargetField: "Name", SourceModifiedAt: at(0), TargetModifiedAt: at(60)})

	res, err := NewResolver(SourceWins).Resolve(rec)
	require.NoError(t, err)
	assert.Equal(t, WinnerSource, res.Winner)

	rec = record(FieldConflict{TargetField: "Name", SourceModifiedAt: at(60), TargetModifiedAt: at(0)})
	res, err = NewResolver(TargetWins).Resolve(rec)
	require.NoError(t, err)
	assert.Equal(t, WinnerTarget, res.Winner)
}

func TestManualFails(t *testing.T) {
	rec := record(FieldConflict{TargetField: "Name"})
	_, err := NewResolver(Manual).Resolve(rec)
	assert.True(t, errors.Is(err, ErrManualResolutionRequired))
	assert.Equal(t, StatusPending, rec.Status)
}

func TestMergeValuesPerField(t *testing.T) {
	rec := record(
		FieldConflict{TargetField: "Name", SourceValue: "Acme", TargetValue: "Acme Inc", SourceModifiedAt: at(1), TargetModifiedAt: at(9)},
		FieldConflict{TargetField: "Phone", SourceValue: "111", TargetValue: "222", SourceModifiedAt: at(9), TargetModifiedAt: at(1)},
	)
	merged := MergeValues(rec)
	assert.Equal(t, "Acme Inc", merged["Name"])
	assert.Equal(t, "111", merged["Phone"])
	assert.Equal(t, "Acme", rec.SourceData["Name"], "source data must not be mutated")

	res, err := NewResolver(Merge).Resolve(rec)
	require.NoError(t, err)
	assert.Equal(t, WinnerMerged, res.Winner)
	assert.Equal(t, merged, res.Data)
}

func TestMergeValuesFallbacks(t *testing.T) {
	rec := record(
		FieldConflict{TargetField: "Name", TargetValue: "Acme Inc", TargetModifiedAt: at(1)},
		FieldConflict{TargetField: "Phone", TargetValue: "222", SourceModifiedAt: at(1)},
	)
	merged := MergeValues(rec)
	assert.Equal(t, "Acme Inc", merged["Name"])
	assert.Equal(t, "111", merged["Phone"])
}

func TestTransitionHappensOnce(t *testing.T) {
	rec := record(FieldConflict{TargetField: "Name"})
	require.NoError(t, rec.Transition(StatusManuallyResolved, &Resolution{Winner: WinnerTarget, Decision: DecisionUseTarget}))
	err := rec.Transition(StatusSkipped, nil)
	assert.True(t, errors.Is(err, ErrConflictAlreadyResolved))
	assert.Equal(t, StatusManuallyResolved, rec.Status)

	fresh := record(FieldConflict{TargetField: "Name"})
	assert.Error(t, fresh.Transition(StatusPending, nil))
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"last_write":      LastWrite,
		"attio_wins":      SourceWins,
		"salesforce_wins": TargetWins,
		"sf_wins":         TargetWins,
		"manual":          Manual,
		"merge":           Merge,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("coin_flip")
	assert.Error(t, err)
}
