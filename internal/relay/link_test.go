package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizrelay/quizrelay/internal/hub"
	"github.com/quizrelay/quizrelay/internal/protocol"
)

type recordingSink struct {
	mu   sync.Mutex
	seen []protocol.Response
}

func (s *recordingSink) PutPeer(r protocol.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, r)
	return nil
}

func (s *recordingSink) byKey(questionID, userID string) (protocol.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.seen) - 1; i >= 0; i-- {
		if s.seen[i].QuestionID == questionID && s.seen[i].UserID == userID {
			return s.seen[i], true
		}
	}
	return protocol.Response{}, false
}

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.DefaultOptions(), zerolog.Nop())
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.HandleConn(ws)
	}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialIdentifiesAndSyncs(t *testing.T) {
	h, url := startHub(t)

	// Seed the hub before the link connects.
	h.Session().StoreResponse(protocol.Response{QuestionID: "Q1", UserID: "u9", Answer: "D", Timestamp: 10}, time.Now())

	sink := &recordingSink{}
	l, err := Dial(context.Background(), url, Config{
		Identity: protocol.Identity{UserID: "u1", DisplayName: "Ada"},
		Sink:     sink,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, Open, l.State())

	// Both the proactive bulk_update and the requested sync carry the seeded
	// response; either way the sink converges.
	require.Eventually(t, func() bool {
		_, ok := sink.byKey("Q1", "u9")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The hub saw the identify: the user is active.
	require.Eventually(t, func() bool {
		return h.Session().ActiveUserCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitReachesHub(t *testing.T) {
	h, url := startHub(t)

	l, err := Dial(context.Background(), url, Config{
		Identity: protocol.Identity{UserID: "u1", DisplayName: "Ada"},
		Sink:     &recordingSink{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.SubmitResponse(protocol.Response{
		QuestionID: "Q1", Answer: "B", UserID: "u1", DisplayName: "Ada", Timestamp: 100,
	}))

	require.Eventually(t, func() bool {
		r, ok := h.Session().GetResponse("Q1", "u1")
		return ok && r.Answer == "B"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialFailureSurfacesError(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", Config{
		Identity:       protocol.Identity{UserID: "u1"},
		ConnectTimeout: 200 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	require.Error(t, err)
}

func TestOwnerCloseDoesNotFireOnClose(t *testing.T) {
	_, url := startHub(t)

	closed := make(chan error, 1)
	l, err := Dial(context.Background(), url, Config{
		Identity: protocol.Identity{UserID: "u1", DisplayName: "Ada"},
		Sink:     &recordingSink{},
		OnClose:  func(err error) { closed <- err },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.Equal(t, Closed, l.State())

	select {
	case <-closed:
		t.Fatal("owner-initiated close must not fire OnClose")
	case <-time.After(200 * time.Millisecond):
	}

	assert.ErrorIs(t, l.SubmitResponse(protocol.Response{QuestionID: "Q1", UserID: "u1"}), ErrLinkClosed)
}

func TestHubShutdownFiresOnClose(t *testing.T) {
	h, url := startHub(t)

	closed := make(chan error, 1)
	l, err := Dial(context.Background(), url, Config{
		Identity: protocol.Identity{UserID: "u1", DisplayName: "Ada"},
		Sink:     &recordingSink{},
		OnClose:  func(err error) { closed <- err },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	h.Shutdown()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("unexpected close never reported")
	}
	assert.Equal(t, Closed, l.State())
}

// The identified reply carries the authoritative user list at join time; the
// link must surface its size like it does for user_joined and sync_response.
func TestIdentifiedUpdatesActiveUserCount(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for i := 0; i < 2; i++ {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"identified","success":true,"activeUsers":["u1","u2","u3"]}`))
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	counts := make(chan int, 4)
	l, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Config{
		Identity:      protocol.Identity{UserID: "u1", DisplayName: "Ada"},
		Sink:          &recordingSink{},
		OnActiveUsers: func(n int) { counts <- n },
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	select {
	case n := <-counts:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("identified never updated the active user count")
	}
}

// A stub server exercising inbound tolerance: bogus frames are dropped, the
// link keeps folding what follows.
func TestUnrecognizedInboundIsDroppedNotFatal(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// Drain the handshake messages.
		for i := 0; i < 2; i++ {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"confetti","amount":9000}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"peer_response","questionId":"Q1","answer":"B","userId":"u2","displayName":"Bob","timestamp":42}`))
		// Hold the socket open while the client reads.
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	sink := &recordingSink{}
	l, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Config{
		Identity: protocol.Identity{UserID: "u1", DisplayName: "Ada"},
		Sink:     sink,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	defer l.Close()

	require.Eventually(t, func() bool {
		r, ok := sink.byKey("Q1", "u2")
		return ok && r.Answer == "B"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, Open, l.State())
}
