package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

func TestOwnAndPeerAreSeparate(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.PutOwn(protocol.Response{QuestionID: "Q1", UserID: "u1", Answer: "B", Timestamp: 100}))
	require.NoError(t, c.PutPeer(protocol.Response{QuestionID: "Q1", UserID: "u2", Answer: "A", Timestamp: 90}))

	assert.Len(t, c.OwnResponses(), 1)
	peers := c.PeerResponses("Q1")
	require.Len(t, peers, 1)
	assert.Equal(t, "u2", peers[0].UserID)
}

func TestResubmissionReplacesUnderSameKey(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.PutOwn(protocol.Response{QuestionID: "Q1", UserID: "u1", Answer: "B", Timestamp: 100}))
	require.NoError(t, c.PutOwn(protocol.Response{QuestionID: "Q1", UserID: "u1", Answer: "C", Timestamp: 150}))

	own := c.OwnResponses()
	require.Len(t, own, 1)
	assert.Equal(t, "C", own[0].Answer)
}

func TestPeerOverwriteHasNoTimestampCheck(t *testing.T) {
	c := NewMemory()
	require.NoError(t, c.PutPeer(protocol.Response{QuestionID: "Q1", UserID: "u2", Answer: "B", Timestamp: 100}))
	// Older timestamp still overwrites: ordering is the Hub's problem.
	require.NoError(t, c.PutPeer(protocol.Response{QuestionID: "Q1", UserID: "u2", Answer: "C", Timestamp: 50}))

	peers := c.PeerResponses("Q1")
	require.Len(t, peers, 1)
	assert.Equal(t, "C", peers[0].Answer)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.PutOwn(protocol.Response{QuestionID: "Q1", UserID: "u1", Answer: "B", Timestamp: 100}))
	require.NoError(t, c.PutPeer(protocol.Response{QuestionID: "Q2", UserID: "u2", Answer: "D", Timestamp: 200}))
	require.NoError(t, c.SetRelayAddress("ws://10.0.0.7:8080/ws"))
	require.NoError(t, c.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	defer c2.Close()

	own, ok := c2.OwnResponse("Q1", "u1")
	require.True(t, ok)
	assert.Equal(t, "B", own.Answer)
	assert.Len(t, c2.PeerResponses("Q2"), 1)
	assert.Equal(t, "ws://10.0.0.7:8080/ws", c2.RelayAddress())
}

func TestMemoryCacheHasNoRelayAddress(t *testing.T) {
	c := NewMemory()
	assert.Equal(t, "", c.RelayAddress())
	assert.NoError(t, c.SetRelayAddress("ws://anywhere"))
}
