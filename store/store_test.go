package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcove/keel/conversation"
)

func buildSession(t *testing.T) *conversation.Session {
	t.Helper()
	sess := conversation.NewSession()

	user := conversation.NewMessage(conversation.RoleUser, "fix the failing test")
	sess.Append(user, 8)

	assistant := conversation.NewMessage(conversation.RoleAssistant, "I'll run the suite first.")
	assistant.ToolCalls = []*conversation.ToolCallRecord{
		{
			ID:         "call_1",
			Name:       "run_tests",
			Parameters: map[string]interface{}{"package": "./..."},
			Approved:   true,
		},
	}
	assistant.ToolCalls[0].Resolve("2 failures in parser_test.go", "2 failures", "")
	sess.Append(assistant, 22)

	result := conversation.NewToolResultMessage("call_1", "2 failures in parser_test.go", false)
	sess.Append(result, 12)

	summary := conversation.NewMessage(conversation.RoleSystem, "earlier history digest")
	summary.SetMeta(conversation.MetaType, conversation.MetaTypeCompactionSummary)
	sess.Append(summary, 6)

	return sess
}

func assertSessionsEqual(t *testing.T, want, got *conversation.Session) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.TotalTokensCached, got.TotalTokensCached)
	require.Equal(t, want.Len(), got.Len())

	for i, wm := range want.Messages {
		gm := got.Messages[i]
		assert.Equal(t, wm.ID, gm.ID, "message %d id", i)
		assert.Equal(t, wm.Role, gm.Role, "message %d role", i)
		assert.Equal(t, wm.Content, gm.Content, "message %d content", i)
		assert.Equal(t, wm.ToolResultID, gm.ToolResultID, "message %d correlation id", i)
		assert.Equal(t, wm.Metadata, gm.Metadata, "message %d metadata", i)

		wantTokens, wantOK := wm.CachedTokenCount()
		gotTokens, gotOK := gm.CachedTokenCount()
		assert.Equal(t, wantOK, gotOK, "message %d token cache presence", i)
		assert.Equal(t, wantTokens, gotTokens, "message %d token count", i)

		require.Equal(t, len(wm.ToolCalls), len(gm.ToolCalls), "message %d tool calls", i)
		for j, wtc := range wm.ToolCalls {
			gtc := gm.ToolCalls[j]
			assert.Equal(t, wtc.ID, gtc.ID)
			assert.Equal(t, wtc.Name, gtc.Name)
			assert.Equal(t, wtc.Result, gtc.Result)
			assert.Equal(t, wtc.Error, gtc.Error)
			assert.Equal(t, wtc.Approved, gtc.Approved)
			assert.Equal(t, wtc.Resolved(), gtc.Resolved())
		}
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	sess := buildSession(t)
	require.NoError(t, s.Save(ctx, sess))

	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assertSessionsEqual(t, sess, loaded)
}

func TestSQLiteStoreSaveReplacesSnapshot(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	sess := buildSession(t)
	require.NoError(t, s.Save(ctx, sess))

	sess.Append(conversation.NewMessage(conversation.RoleUser, "also check the linter"), 7)
	require.NoError(t, s.Save(ctx, sess))

	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assertSessionsEqual(t, sess, loaded)
}

func TestSQLiteStoreNotFound(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, conversation.ErrSessionNotFound)
}

func TestSQLiteStoreDeleteAndList(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	sess := buildSession(t)
	require.NoError(t, s.Save(ctx, sess))

	ids, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, ids)

	require.NoError(t, s.Delete(ctx, sess.ID))
	_, err = s.Load(ctx, sess.ID)
	assert.ErrorIs(t, err, conversation.ErrSessionNotFound)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := buildSession(t)
	require.NoError(t, s.Save(ctx, sess))

	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assertSessionsEqual(t, sess, loaded)
}

func TestMemoryStoreIsolatesSnapshots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := buildSession(t)
	require.NoError(t, s.Save(ctx, sess))

	// Mutating the live session must not leak into the stored snapshot.
	sess.Messages[0].Content = "mutated after save"
	loaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the failing test", loaded.Messages[0].Content)

	// Mutating a loaded copy must not leak into the store either.
	loaded.Messages[0].Content = "mutated after load"
	reloaded, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the failing test", reloaded.Messages[0].Content)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, conversation.ErrSessionNotFound)
}
