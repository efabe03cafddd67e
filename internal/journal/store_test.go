package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrs-kit/vrs/internal/events"
	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/service"
	"github.com/vrs-kit/vrs/internal/session"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSession(ctx, SessionRecord{
		SessionID: "s1", TestName: "T", Run: "R", RunIdent: "I", Branch: "B", App: "A",
		Suite: "Others", OS: "macOS", Browser: "chrome", Viewport: "1366x768", StartedAt: started,
	}))
	require.NoError(t, store.RecordSession(ctx, SessionRecord{SessionID: "s1", TestName: "ignored"}))
	require.NoError(t, store.RecordCheck(ctx, CheckRecord{SessionID: "s1", CheckID: "c1", Name: "login", Status: "new"}))
	require.NoError(t, store.RecordCheck(ctx, CheckRecord{SessionID: "s1", CheckID: "c2", Name: "cart", Status: "failed", DiffLink: "http://x/checkview?id=c2"}))
	require.NoError(t, store.RecordVerdict(ctx, "s1", "Failed", 1, errors.New("stop session: 404")))

	sessions, err := store.ListSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions[0]
	assert.Equal(t, "T", got.TestName)
	assert.Equal(t, "Failed", got.Verdict)
	assert.Equal(t, 1, got.Blinking)
	assert.Equal(t, "stop session: 404", got.StopError)
	assert.True(t, got.StartedAt.Equal(started))
	assert.False(t, got.StoppedAt.IsZero())

	checks, err := store.Checks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, "login", checks[0].Name)
	assert.Equal(t, "http://x/checkview?id=c2", checks[1].DiffLink)
}

func TestStoreListsNewestFirst(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.RecordSession(ctx, SessionRecord{SessionID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	sessions, err := store.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].SessionID)
	assert.Equal(t, "mid", sessions[1].SessionID)
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	ctx := context.Background()

	assert.Error(t, store.RecordSession(ctx, SessionRecord{SessionID: " "}))
	assert.Error(t, store.RecordCheck(ctx, CheckRecord{}))
	assert.ErrorContains(t, store.RecordVerdict(ctx, "missing", "New", 0, nil), "not found")
	_, err := store.ListSessions(ctx, 0)
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, store.RecordSession(cancelled, SessionRecord{SessionID: "s"}), context.Canceled)

	var nilStore *Store
	assert.Error(t, nilStore.RecordCheck(ctx, CheckRecord{SessionID: "s"}))
	assert.NoError(t, nilStore.Close())
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	store, path := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordSession(ctx, SessionRecord{SessionID: "s1"}))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	sessions, err := reopened.ListSessions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestRecordJournalsBusEvents(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	bus := events.New()
	Record(bus, store, nil)

	bus.Publish(events.Event{
		Type:      events.EventTypeSessionStarted,
		SessionID: "s1",
		Payload: session.Meta{
			TestName: "T", Run: "R", RunIdent: "I", Branch: "B", App: "A", Suite: "Others",
			Env: probe.Environment{OS: "Linux", BrowserName: "chrome", Viewport: "800x600"},
		},
	})
	bus.Publish(events.Event{
		Type:      events.EventTypeCheckSubmitted,
		SessionID: "s1",
		Subject:   "login",
		Payload:   service.CheckResult{ID: "c1", Status: "new"},
	})
	bus.Publish(events.Event{Type: events.EventTypePollAttempt, SessionID: "s1", Payload: session.Result{}})
	bus.Publish(events.Event{
		Type:      events.EventTypeSessionStopped,
		SessionID: "s1",
		Payload:   session.Stopped{Result: session.Result{Verdict: session.VerdictNew}},
	})
	bus.Close()

	ctx := context.Background()
	sessions, err := store.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "New", sessions[0].Verdict)
	assert.Equal(t, "Linux", sessions[0].OS)
	assert.Empty(t, sessions[0].StopError)

	checks, err := store.Checks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.Equal(t, "login", checks[0].Name)
	assert.Equal(t, "new", checks[0].Status)
}

func TestRecordKeepsVerdictAfterCheckBurst(t *testing.T) {
	t.Parallel()

	store, _ := openStore(t)
	bus := events.New(events.WithBufferSize(1))
	Record(bus, store, nil)

	bus.Publish(events.Event{
		Type:      events.EventTypeSessionStarted,
		SessionID: "s2",
		Payload:   session.Meta{TestName: "T", Run: "R", RunIdent: "I", Branch: "B", App: "A"},
	})
	for i := 0; i < 100; i++ {
		bus.Publish(events.Event{
			Type:      events.EventTypeCheckSubmitted,
			SessionID: "s2",
			Subject:   fmt.Sprintf("check-%d", i),
			Payload:   service.CheckResult{ID: fmt.Sprintf("c%d", i), Status: "new"},
		})
	}
	bus.Publish(events.Event{
		Type:      events.EventTypeSessionStopped,
		SessionID: "s2",
		Payload:   session.Stopped{Result: session.Result{Verdict: session.VerdictNew}},
	})
	bus.Close()

	ctx := context.Background()
	sessions, err := store.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "New", sessions[0].Verdict)

	checks, err := store.Checks(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, checks, 100)
}

func TestUpSection(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "\nCREATE TABLE a(x);\n", upSection("-- +migrate Up\nCREATE TABLE a(x);\n-- +migrate Down\nDROP TABLE a;"))
	assert.Equal(t, "CREATE TABLE b(x);", upSection("CREATE TABLE b(x);"))
}
