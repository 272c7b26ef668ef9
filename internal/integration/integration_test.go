package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/quizrelay/quizrelay/internal/api/http"
	"github.com/quizrelay/quizrelay/internal/cache"
	"github.com/quizrelay/quizrelay/internal/client"
	"github.com/quizrelay/quizrelay/internal/client/reconnect"
	"github.com/quizrelay/quizrelay/internal/cloudstore"
	"github.com/quizrelay/quizrelay/internal/hub"
	"github.com/quizrelay/quizrelay/internal/protocol"
	"github.com/quizrelay/quizrelay/internal/relay"
)

func startHubServer(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.DefaultOptions(), zerolog.Nop())
	srv := httptest.NewServer(httpapi.NewServer(h, zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newClient(t *testing.T, userID, name string, store cloudstore.Store) *client.Controller {
	t.Helper()
	return client.NewController(client.Config{
		Cache:    cache.NewMemory(),
		Store:    store,
		Identity: cloudstore.NewStaticIdentity(userID, name),
		Policy:   reconnect.Policy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
		Logger:   zerolog.Nop(),
	})
}

// Two controllers share a classroom hub: one submits over its relay link,
// the other observes the answer through its cache, and the store never gets
// involved until connectivity returns.
func TestRelaySessionEndToEnd(t *testing.T) {
	_, wsURL := startHubServer(t)
	store := cloudstore.NewMemoryStore()
	ctx := context.Background()

	alice := newClient(t, "u-alice", "Alice", store)
	bob := newClient(t, "u-bob", "Bob", store)

	require.NoError(t, alice.ConnectToRelay(ctx, wsURL))
	require.NoError(t, bob.ConnectToRelay(ctx, wsURL))

	ok, err := alice.SubmitResponse(ctx, "Q1", "B", "gravity pulls down")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		peers, err := bob.GetPeerResponses(ctx, "Q1")
		return err == nil && len(peers) == 1 && peers[0].Answer == "B"
	}, 2*time.Second, 10*time.Millisecond)

	// Nothing reached the authoritative store yet.
	stored, err := store.QueryResponses(ctx, "Q1")
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Connectivity returns: the reconcile pass replays the queued answer.
	report, err := alice.NetworkRestored(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.ReconcileReport{Successful: 1, Failed: 0}, report)

	stored, err = store.QueryResponses(ctx, "Q1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "B", stored[0].Answer)
}

// The hub keeps whatever arrived last, while the store resolves the same
// pair by timestamp.
func TestHubAndStoreResolveConflictsDifferently(t *testing.T) {
	h, wsURL := startHubServer(t)
	store := cloudstore.NewMemoryStore()
	ctx := context.Background()

	alice := newClient(t, "u1", "Alice", store)
	require.NoError(t, alice.ConnectToRelay(ctx, wsURL))

	_, err := alice.SubmitResponse(ctx, "Q1", "B", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, ok := h.Session().GetResponse("Q1", "u1")
		return ok && r.Answer == "B"
	}, 2*time.Second, 10*time.Millisecond)

	first, ok := h.Session().GetResponse("Q1", "u1")
	require.True(t, ok)

	// Replay the same key with an older timestamp straight at the hub, as a
	// delayed duplicate from another socket would.
	l, err := relay.Dial(ctx, wsURL, relay.Config{
		Identity: protocol.Identity{UserID: "u1", DisplayName: "Alice"},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	stale := first
	stale.Answer = "C"
	stale.Timestamp = first.Timestamp - 1000
	require.NoError(t, l.SubmitResponse(stale))

	require.Eventually(t, func() bool {
		r, ok := h.Session().GetResponse("Q1", "u1")
		return ok && r.Answer == "C"
	}, 2*time.Second, 10*time.Millisecond)

	// The store, fed both versions, keeps the greater timestamp.
	require.NoError(t, store.WriteResponse(ctx, stale))
	require.NoError(t, store.WriteResponse(ctx, first))
	require.NoError(t, store.WriteResponse(ctx, stale)) // replay in any order

	stored, err := store.QueryResponses(ctx, "Q1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "B", stored[0].Answer)
}

// A hub restart drops the relay link; the controller reconnects on its own
// and the resynced client still sees the session state it missed.
func TestClientRecoversAcrossLinkLoss(t *testing.T) {
	h, wsURL := startHubServer(t)
	store := cloudstore.NewMemoryStore()
	ctx := context.Background()

	alice := newClient(t, "u1", "Alice", store)
	require.NoError(t, alice.ConnectToRelay(ctx, wsURL))
	require.Equal(t, client.ModeLocalRelay, alice.Mode())

	// Sever every socket; the listener stays up, so the reconnect lands.
	h.Shutdown()
	require.Eventually(t, func() bool {
		return h.Session().ConnectionCount() == 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return alice.Mode() == client.ModeLocalRelay &&
			alice.ReconnectAttempts() == 0 &&
			h.Session().ConnectionCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}
