package workflows

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redmage123/artemis/coreengine/state"
)

const overrideYAML = `
workflows:
  - issue_type: disk_full
    description: Clean up, then give up gracefully
    failure_state: degraded
    actions:
      - handler: cleanup_temp_files
        retry_on_failure: true
        max_retries: 1
      - name: page_oncall
        handler: escalate_to_human
`

func TestParseDefinitions(t *testing.T) {
	defs, err := ParseDefinitions([]byte(overrideYAML))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	w, err := defs[0].Build(DefaultHandlers(HandlerDeps{}))
	require.NoError(t, err)

	assert.Equal(t, "disk_full_recovery", w.Name)
	assert.Equal(t, IssueDiskFull, w.IssueType)
	assert.Equal(t, state.StateRunning, w.SuccessState)
	assert.Equal(t, state.StateDegraded, w.FailureState)
	assert.Equal(t, []string{HandlerCleanupTempFiles, "page_oncall"}, w.ActionNames())
	assert.True(t, w.Actions[0].RetryOnFailure)
}

func TestParseDefinitions_Rejects(t *testing.T) {
	_, err := ParseDefinitions([]byte("  "))
	assert.Error(t, err)

	_, err = ParseDefinitions([]byte("workflows:\n  - issue_type: timeout\n    retries: 3\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestDefinitionBuild_Errors(t *testing.T) {
	h := DefaultHandlers(HandlerDeps{})

	_, err := Definition{IssueType: "meteor_strike"}.Build(h)
	assert.Error(t, err)

	_, err = Definition{IssueType: "timeout", Actions: []ActionDefinition{{Handler: "pray"}}}.Build(h)
	assert.ErrorContains(t, err, `unknown handler "pray"`)

	_, err = Definition{IssueType: "timeout", SuccessState: "victorious"}.Build(h)
	assert.ErrorContains(t, err, "success_state")
}

func TestApplyDefinitions(t *testing.T) {
	h := DefaultHandlers(HandlerDeps{})
	r := NewDefaultRegistry(h)
	defs, err := ParseDefinitions([]byte(overrideYAML))
	require.NoError(t, err)
	defs = append(defs, Definition{IssueType: "file_lock", Actions: []ActionDefinition{{Handler: "release_file_lock", RetryOnFailure: true}}})

	err = ApplyDefinitions(r, defs, h)

	require.Error(t, err, "the file_lock definition retries without max_retries")
	w, _ := r.Get(IssueDiskFull)
	assert.Equal(t, "Clean up, then give up gracefully", w.Description)
	lock, _ := r.Get(IssueFileLock)
	assert.Equal(t, 3, lock.Actions[0].MaxRetries, "invalid definitions leave the default in place")
	assert.NoError(t, NewValidator().ValidateRegistry(r))
}

func TestMarshalDefinitions_LoadsBack(t *testing.T) {
	h := DefaultHandlers(HandlerDeps{})
	data, err := MarshalDefinitions(NewDefaultRegistry(h).List())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "workflows.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	defs, err := LoadDefinitionsFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 30)

	r := NewRegistry()
	require.NoError(t, ApplyDefinitions(r, defs, h))
	require.NoError(t, NewValidator().ValidateRegistry(r))

	_, err = LoadDefinitionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
