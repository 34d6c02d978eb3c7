package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "studio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_HistoryRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := HistoryRecord{
		ID:             "job-1",
		Handle:         "p123",
		Prompt:         "ein Foto von einer Frau img",
		PromptLanguage: language.German,
		StyleName:      "Cinematic",
		InputImage:     "https://example.com/in.jpg",
		Outcome:        OutcomeSucceeded,
		ImageCount:     1,
		Outputs:        []string{"https://cdn/a.png", "https://cdn/b.png"},
		Failures:       []string{"https://cdn/b.png"},
		StartedAt:      now.Add(-20 * time.Second),
		FinishedAt:     now,
	}
	require.NoError(t, store.SaveRecord(ctx, rec))

	got, ok, err := store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.Handle, got.Handle)
	assert.Equal(t, rec.Prompt, got.Prompt)
	assert.Equal(t, language.German, got.PromptLanguage)
	assert.Equal(t, OutcomeSucceeded, got.Outcome)
	assert.Equal(t, rec.Outputs, got.Outputs)
	assert.Equal(t, rec.Failures, got.Failures)
	assert.True(t, rec.FinishedAt.Equal(got.FinishedAt))

	_, ok, err = store.GetRecord(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	rec.Outcome = OutcomeFailed
	rec.Error = "[JobFailed] boom"
	require.NoError(t, store.SaveRecord(ctx, rec))
	got, _, err = store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, got.Outcome)
	assert.Equal(t, "[JobFailed] boom", got.Error)

	assert.Error(t, store.SaveRecord(ctx, HistoryRecord{}))
}

func TestSQLiteStore_ListHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	outcomes := []Outcome{OutcomeSucceeded, OutcomeCanceled, OutcomeSucceeded, OutcomeFailed}
	for i, outcome := range outcomes {
		require.NoError(t, store.SaveRecord(ctx, HistoryRecord{
			ID:         string(rune('a' + i)),
			Prompt:     "p",
			Outcome:    outcome,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := store.ListHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID)
	assert.Equal(t, "a", all[3].ID)
	assert.Equal(t, language.Und, all[0].PromptLanguage)
	assert.Empty(t, all[0].Outputs)

	succeeded, err := store.ListHistory(ctx, HistoryFilter{Outcome: OutcomeSucceeded, Limit: 1})
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	assert.Equal(t, "c", succeeded[0].ID)

	counts, err := store.CountByOutcome(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCounts{OutcomeSucceeded: 2, OutcomeCanceled: 1, OutcomeFailed: 1}, counts)
}

func TestSQLiteStore_DeleteHistoryBefore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveRecord(ctx, HistoryRecord{ID: "old", Prompt: "p", Outcome: OutcomeSucceeded, FinishedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.SaveRecord(ctx, HistoryRecord{ID: "new", Prompt: "p", Outcome: OutcomeSucceeded, FinishedAt: now}))

	n, err := store.DeleteHistoryBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := store.ListHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].ID)
}

func TestSQLiteStore_ReopenKeepsMigrations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "studio.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveRecord(context.Background(), HistoryRecord{ID: "x", Prompt: "p", Outcome: OutcomeCanceled}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, ok, err := store.GetRecord(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewSQLiteStore("  ")
	assert.Error(t, err)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("012_add_index.sql"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}
