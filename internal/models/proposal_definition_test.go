package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
name: sample
system_instruction: Write formally.
units:
  - id: 1
    name: Summary
    prompt: Write the summary.
    progress_floor: 10
    progress_ceiling: 50
  - id: 2
    name: Detail
    prompt: Write the detail.
    progress_floor: 50
    progress_ceiling: 90
criteria:
  min_score: 75
  dimensions: [clarity, completeness]
`

func TestParseProposalDefinition(t *testing.T) {
	def, err := ParseProposalDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	require.Equal(t, "sample", def.Name)
	require.Len(t, def.Units, 2)
	require.Equal(t, 75.0, def.Criteria.MinScore)
	require.Equal(t, []string{"clarity", "completeness"}, def.Criteria.Dimensions)
}

func TestParseProposalDefinitionRejectsDuplicateUnitIDs(t *testing.T) {
	_, err := ParseProposalDefinition([]byte(`
name: dup
units:
  - {id: 1, name: A, prompt: a}
  - {id: 1, name: B, prompt: b}
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate unit id")
}

func TestParseProposalDefinitionRejectsInvertedProgressRange(t *testing.T) {
	_, err := ParseProposalDefinition([]byte(`
name: inverted
units:
  - {id: 1, name: A, prompt: a, progress_floor: 60, progress_ceiling: 40}
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ceiling below floor")
}

func TestParseProposalDefinitionRequiresUnits(t *testing.T) {
	_, err := ParseProposalDefinition([]byte(`name: empty`))
	require.Error(t, err)
}

func TestLoadProposalDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.yaml"), []byte(sampleDefinition), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := LoadProposalDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Contains(t, defs, "sample")
}

func TestLoadProposalDefinitionsMissingDir(t *testing.T) {
	defs, err := LoadProposalDefinitions(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestDefaultProposalDefinitionIsValid(t *testing.T) {
	def := DefaultProposalDefinition()
	require.NoError(t, def.Validate())
	require.Len(t, def.Units, 4)
}

func TestUnitStatusResolution(t *testing.T) {
	resolved := []UnitStatus{UnitStatusApproved, UnitStatusBlocked, UnitStatusSkipped}
	for _, status := range resolved {
		require.True(t, status.IsResolved(), string(status))
	}
	active := []UnitStatus{UnitStatusPending, UnitStatusGenerating, UnitStatusScoring, UnitStatusAwaitingApproval, UnitStatusIterating}
	for _, status := range active {
		require.False(t, status.IsResolved(), string(status))
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, status := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		require.True(t, status.IsTerminal(), string(status))
	}
	for _, status := range []JobStatus{JobStatusDraft, JobStatusProcessing, JobStatusReview} {
		require.False(t, status.IsTerminal(), string(status))
	}
}
