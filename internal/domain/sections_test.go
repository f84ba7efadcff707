package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(s string) *string { return &s }

func TestBuildSections_AlternatingCycles(t *testing.T) {
	var events []ProgressEvent
	events = append(events, ProgressEvent{Message: msg("running")})
	for i := 0; i < 5; i++ {
		events = append(events,
			ProgressEvent{ErrorCount: 2},
			ProgressEvent{SuccessCount: 8},
		)
	}
	events = append(events, ProgressEvent{Message: msg("finished")})

	sections := BuildSections(events)
	require.Len(t, sections, 10)

	var total int64
	for i, s := range sections {
		if i%2 == 0 {
			assert.Equal(t, Section{Kind: SectionError, Count: 2}, s)
		} else {
			assert.Equal(t, Section{Kind: SectionSuccess, Count: 8}, s)
		}
		total += s.Count
	}
	assert.Equal(t, int64(50), total)
}

func TestBuildSections_MergesAdjacent(t *testing.T) {
	sections := BuildSections([]ProgressEvent{
		{SuccessCount: 3},
		{SuccessCount: 4},
		{Message: msg("paused")},
		{SuccessCount: 1},
		{ErrorCount: 1},
		{ErrorCount: 2},
	})
	assert.Equal(t, []Section{
		{Kind: SectionSuccess, Count: 8},
		{Kind: SectionError, Count: 3},
	}, sections)
}

func TestBuildSections_Empty(t *testing.T) {
	assert.Empty(t, BuildSections(nil))
	assert.NotNil(t, BuildSections(nil))
}
