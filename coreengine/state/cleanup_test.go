package state

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCleanupConfig(t *testing.T) {
	cfg := DefaultCleanupConfig()

	assert.Equal(t, 10*time.Minute, cfg.Interval)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)
}

func saveAt(t *testing.T, dir, cardID string, st PipelineState, ts time.Time) *StatePersistence {
	t.Helper()
	p := newPersistence(t, dir, cardID)
	require.NoError(t, p.SaveSnapshot(&PipelineSnapshot{
		State:     st,
		Timestamp: ts,
		CardID:    cardID,
		Stages:    map[string]StageStateInfo{},
	}))
	return p
}

func TestPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	saveAt(t, dir, "old-done", StateCompleted, now.Add(-48*time.Hour))
	saveAt(t, dir, "old-failed", StateFailed, now.Add(-48*time.Hour))
	saveAt(t, dir, "recent-done", StateCompleted, now.Add(-time.Hour))
	saveAt(t, dir, "old-running", StateRunning, now.Add(-48*time.Hour))
	require.NoError(t, os.WriteFile(newPersistence(t, dir, "corrupt").Path(), []byte("{"), 0o644))

	removed, err := PruneSnapshots(dir, 24*time.Hour, now, nil)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-done", "old-failed"}, removed)
	for _, kept := range []string{"recent-done", "old-running", "corrupt"} {
		assert.FileExists(t, newPersistence(t, dir, kept).Path(), kept)
	}
}

func TestPruneSnapshots_MissingDir(t *testing.T) {
	removed, err := PruneSnapshots(t.TempDir()+"/nope", time.Hour, time.Now(), nil)
	assert.NoError(t, err)
	assert.Empty(t, removed)
}

func TestStartCleanupLoop(t *testing.T) {
	dir := t.TempDir()
	p := saveAt(t, dir, "card-1", StateAborted, time.Now().Add(-time.Hour))

	stop := StartCleanupLoop(dir, CleanupConfig{Interval: 10 * time.Millisecond, Retention: time.Minute}, nil)
	defer stop()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(p.Path())
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartCleanupLoop_DefaultConfig(t *testing.T) {
	stop := StartCleanupLoop(t.TempDir(), CleanupConfig{}, nil)
	require.NotNil(t, stop)
	stop()
}
