package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AppendAndLoad(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "alice", Message{Role: "user", Content: "add a layer", Turn: 1}))
	require.NoError(t, m.Append(ctx, "alice", Message{Role: "assistant", Content: "done", Turn: 1}))

	entries, err := m.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Message.Role)
	assert.Equal(t, "add a layer", entries[0].Message.Content)
	assert.Equal(t, int64(1), entries[0].Message.Turn)
	assert.False(t, entries[0].Message.Timestamp.IsZero())
}

func TestManager_LoadMissingSessionIsEmpty(t *testing.T) {
	m := newTestManager(t)

	entries, err := m.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_KeyValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	msg := Message{Role: "user", Content: "x"}

	assert.Error(t, m.Append(ctx, "", msg))
	assert.Error(t, m.Append(ctx, "../escape", msg))
	assert.Error(t, m.Append(ctx, "a/b", msg))
	assert.Error(t, m.Append(ctx, "a\\b", msg))
	assert.Error(t, m.Append(ctx, "a\x00b", msg))
}

func TestManager_MessageValidation(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	assert.Error(t, m.Append(ctx, "k", Message{Content: "no role"}))
	assert.Error(t, m.Append(ctx, "k", Message{Role: "user"}))
}

func TestManager_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Append(ctx, "k", Message{Role: "user", Content: "first"}))

	f, err := os.OpenFile(filepath.Join(dir, "k.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n{\"sessionKey\":\"k\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, m.Append(ctx, "k", Message{Role: "assistant", Content: "second"}))

	entries, err := m.Load(ctx, "k")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Message.Content)
	assert.Equal(t, "second", entries[1].Message.Content)
}

func TestManager_ConcurrentAppends(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Append(ctx, "busy", Message{Role: "user", Content: "msg"})
		}()
	}
	wg.Wait()

	entries, err := m.Load(ctx, "busy")
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestManager_DeleteAndList(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "a", Message{Role: "user", Content: "x"}))
	require.NoError(t, m.Append(ctx, "b", Message{Role: "user", Content: "y"}))

	sessions, err := m.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, sessions)

	require.NoError(t, m.Delete(ctx, "a"))
	sessions, err = m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sessions)

	// Deleting twice is fine.
	assert.NoError(t, m.Delete(ctx, "a"))
}

func TestManager_CleanupStale(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Append(ctx, "old", Message{Role: "user", Content: "x"}))
	require.NoError(t, m.Append(ctx, "fresh", Message{Role: "user", Content: "y"}))

	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.jsonl"), stale, stale))

	removed, err := m.CleanupStale(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	sessions, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, sessions)
}

func TestManager_Info(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, "k", Message{Role: "user", Content: "x"}))

	info, err := m.Info("k")
	require.NoError(t, err)
	assert.Equal(t, 1, info["messageCount"])

	_, err = m.Info("missing")
	assert.Error(t, err)
}
