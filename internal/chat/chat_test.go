package chat

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicAppendAndTail(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())
	s.SetNowFunc(func() time.Time { return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC) })

	for i, text := range []string{"first", "second", "third"} {
		msg, err := s.AppendPublic("lobby", "trader_alpha", text)
		require.NoError(t, err, "message %d", i)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "lobby", msg.RoomID)
		assert.False(t, msg.DM)
	}

	msgs, err := s.LatestPublic("lobby", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content, "newest last")
}

func TestDMIsolatedPerSession(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())

	_, err := s.AppendDM("lobby", "session-1", "trader_alpha", "for session one")
	require.NoError(t, err)
	_, err = s.AppendDM("lobby", "session-2", "trader_alpha", "for session two")
	require.NoError(t, err)

	msgs, err := s.LatestDM("lobby", "session-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "for session one", msgs[0].Content)
	assert.True(t, msgs[0].DM)
	assert.Equal(t, "session-1", msgs[0].SessionID)

	// DMs never leak into the public history.
	public, err := s.LatestPublic("lobby", 10)
	require.NoError(t, err)
	assert.Empty(t, public)
}

func TestInvalidIDsRejected(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())

	_, err := s.AppendPublic("../escape", "x", "y")
	assert.Error(t, err)

	_, err = s.AppendDM("lobby", "bad/session", "x", "y")
	assert.Error(t, err)

	_, err = s.LatestPublic("", 5)
	assert.Error(t, err)
}

func TestLatestOnEmptyRoom(t *testing.T) {
	s := NewStore(t.TempDir(), zerolog.Nop())

	msgs, err := s.LatestPublic("lobby", 5)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
