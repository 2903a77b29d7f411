package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	mockmongo "github.com/BlocUnited-LLC/mozaiks-ai-sub005/features/session/mongo/clients/mongo/mocks"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestCreateDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	sess := session.Session{ID: "sess-1", TenantID: "acme", WorkflowName: "pipeline"}
	mockClient.AddCreateSession(func(_ context.Context, s session.Session) error {
		require.Equal(t, sess, s)
		return nil
	})
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	require.NoError(t, store.Create(context.Background(), sess))
	require.False(t, mockClient.HasMore())
}

func TestLoadDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	expected := session.Record{Session: session.Session{ID: "sess-1", TenantID: "acme"}}
	mockClient.AddLoadSession(func(_ context.Context, tenantID, sessionID string) (session.Record, error) {
		require.Equal(t, "acme", tenantID)
		require.Equal(t, "sess-1", sessionID)
		return expected, nil
	})
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	actual, err := store.Load(context.Background(), "acme", "sess-1")
	require.NoError(t, err)
	require.Equal(t, expected, actual)
	require.False(t, mockClient.HasMore())
}

func TestAppendDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	msg := event.Message{Sequence: 1, Kind: event.KindText, Content: "hi"}
	mockClient.AddAppendMessage(func(_ context.Context, tenantID, sessionID string, m event.Message) error {
		require.Equal(t, "acme", tenantID)
		require.Equal(t, msg, m)
		return session.ErrSequenceConflict
	})
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	require.ErrorIs(t, store.Append(context.Background(), "acme", "sess-1", msg), session.ErrSequenceConflict)
	require.False(t, mockClient.HasMore())
}

func TestUpdateSnapshotAndListDelegateToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	snap := session.Snapshot{State: "paused"}
	mockClient.AddUpdateSnapshot(func(_ context.Context, _, _ string, status session.Status, s session.Snapshot) error {
		require.Equal(t, session.StatusPaused, status)
		require.Equal(t, snap, s)
		return nil
	})
	mockClient.AddListSessions(func(_ context.Context, tenantID string, statuses []session.Status) ([]session.Session, error) {
		require.Equal(t, []session.Status{session.StatusPaused}, statuses)
		return []session.Session{{ID: "sess-1", TenantID: tenantID}}, nil
	})
	mockClient.AddName(func() string { return "session-mongo" })
	mockClient.AddPing(func(context.Context) error { return nil })
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.UpdateSnapshot(ctx, "acme", "sess-1", session.StatusPaused, snap))
	list, err := store.List(ctx, "acme", []session.Status{session.StatusPaused})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "session-mongo", store.Name())
	require.NoError(t, store.Ping(ctx))
	require.False(t, mockClient.HasMore())
}
