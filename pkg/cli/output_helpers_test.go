package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichd/internal/domain"
)

func TestValidateOutputFormat(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		wantErr bool
	}{
		{name: "empty ok", output: "", wantErr: false},
		{name: "table ok", output: "table", wantErr: false},
		{name: "json ok", output: "json", wantErr: false},
		{name: "yaml rejected", output: "yaml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateOutputFormat(tt.output)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFormatSections(t *testing.T) {
	assert.Equal(t, "-", formatSections(nil))
	assert.Equal(t, "8 ok, 2 failed, 40 ok", formatSections([]domain.Section{
		{Kind: domain.SectionSuccess, Count: 8},
		{Kind: domain.SectionError, Count: 2},
		{Kind: domain.SectionSuccess, Count: 40},
	}))
}

func TestProgress(t *testing.T) {
	assert.Equal(t, "0 rows", progress(0, 0))
	assert.Equal(t, "5/10 rows (50%)", progress(5, 10))
	assert.Equal(t, "10/10 rows (100%)", progress(10, 10))
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "$0.0000", formatCost(0))
	assert.Equal(t, "$0.0150", formatCost(150))
	assert.Equal(t, "$12.3456", formatCost(123456))
}

func TestFormatRowIDs(t *testing.T) {
	assert.Equal(t, `[1,2]`, formatRowIDs([]any{int64(1), int64(2)}))
	assert.Equal(t, `[["x",1]]`, formatRowIDs([]any{[]any{"x", int64(1)}}))
}

func TestErrorObject(t *testing.T) {
	tests := []struct {
		err  error
		code any
	}{
		{domain.ErrNotFound("job 1 not found"), "not_found"},
		{fmt.Errorf("wrapped: %w", domain.ErrValidation("bad")), "validation"},
		{domain.ErrConflict("dup"), "conflict"},
		{&domain.InvalidTransitionError{JobID: 1, From: domain.JobStatusPending, To: domain.JobStatusPaused}, "invalid_transition"},
		{&domain.TimeoutError{JobID: 1}, "timeout"},
		{errors.New("boom"), nil},
	}
	for _, tc := range tests {
		obj := errorObject(tc.err)
		assert.Equal(t, tc.err.Error(), obj["error"])
		assert.Equal(t, tc.code, obj["code"], tc.err.Error())
	}
}
