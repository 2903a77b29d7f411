package inmem

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/event"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/failure"
	"github.com/BlocUnited-LLC/mozaiks-ai-sub005/runtime/session"
)

func newSession(id, tenant string) session.Session {
	return session.Session{
		ID:           id,
		TenantID:     tenant,
		WorkflowName: "pipeline",
		CacheSeed:    session.DeriveCacheSeed(tenant, id),
	}
}

func TestCreateLoadAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newSession("s1", "t1")))
	require.ErrorIs(t, s.Create(ctx, newSession("s1", "t1")), session.ErrSessionExists)

	require.NoError(t, s.Append(ctx, "t1", "s1", event.Message{Sequence: 1, Kind: event.KindText, Content: "hi"}))
	require.NoError(t, s.Append(ctx, "t1", "s1", event.Message{Sequence: 2, Kind: event.KindText, Content: "yo"}))
	require.ErrorIs(t, s.Append(ctx, "t1", "s1", event.Message{Sequence: 4}), session.ErrSequenceConflict)
	require.ErrorIs(t, s.Append(ctx, "t1", "s1", event.Message{Sequence: 2}), session.ErrSequenceConflict)

	rec, err := s.Load(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Session.LastSequence)
	require.Len(t, rec.Messages, 2)
	require.Equal(t, session.StatusActive, rec.Session.Status)
	require.Equal(t, session.DeriveCacheSeed("t1", "s1"), rec.Session.CacheSeed)

	_, err = s.Load(ctx, "t1", "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestLoadReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newSession("s1", "t1")))
	require.NoError(t, s.UpdateSnapshot(ctx, "t1", "s1", session.StatusActive, session.Snapshot{Values: map[string]any{"k": "v"}}))

	rec, err := s.Load(ctx, "t1", "s1")
	require.NoError(t, err)
	rec.Session.Snapshot.Values["k"] = "mutated"

	again, err := s.Load(ctx, "t1", "s1")
	require.NoError(t, err)
	require.Equal(t, "v", again.Session.Snapshot.Values["k"])
}

func TestArchivedSessionsRejectWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newSession("s1", "t1")))
	require.NoError(t, s.UpdateSnapshot(ctx, "t1", "s1", session.StatusCompleted, session.Snapshot{State: "completed"}))
	require.ErrorIs(t, s.Append(ctx, "t1", "s1", event.Message{Sequence: 1}), session.ErrSessionArchived)
	require.ErrorIs(t, s.UpdateSnapshot(ctx, "t1", "s1", session.StatusActive, session.Snapshot{}), session.ErrSessionArchived)
}

func TestList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newSession("a", "t1")))
	require.NoError(t, s.Create(ctx, newSession("b", "t1")))
	require.NoError(t, s.Create(ctx, newSession("c", "t2")))
	require.NoError(t, s.UpdateSnapshot(ctx, "t1", "b", session.StatusPaused, session.Snapshot{}))

	all, err := s.List(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	paused, err := s.List(ctx, "t1", []session.Status{session.StatusPaused})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	require.Equal(t, "b", paused[0].ID)
}

func TestTenantIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mismatched tenants fail with TenantMismatch and change nothing", prop.ForAll(
		func(other string, n int) bool {
			if other == "owner" {
				return true
			}
			ctx := context.Background()
			s := New()
			if err := s.Create(ctx, newSession("s", "owner")); err != nil {
				return false
			}
			for i := 1; i <= n; i++ {
				if err := s.Append(ctx, "owner", "s", event.Message{Sequence: int64(i)}); err != nil {
					return false
				}
			}
			before, _ := s.Load(ctx, "owner", "s")

			_, loadErr := s.Load(ctx, other, "s")
			appendErr := s.Append(ctx, other, "s", event.Message{Sequence: int64(n + 1)})
			snapErr := s.UpdateSnapshot(ctx, other, "s", session.StatusError, session.Snapshot{State: "x"})

			after, _ := s.Load(ctx, "owner", "s")
			return failure.KindOf(loadErr) == failure.KindTenantMismatch &&
				failure.KindOf(appendErr) == failure.KindTenantMismatch &&
				failure.KindOf(snapErr) == failure.KindTenantMismatch &&
				after.Session.LastSequence == before.Session.LastSequence &&
				len(after.Messages) == len(before.Messages) &&
				after.Session.Status == before.Session.Status
		},
		gen.AlphaString(), gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
