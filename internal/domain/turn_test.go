package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatTimestamp_LexicalOrderMatchesChronological(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	instants := []time.Time{
		base,
		base.Add(50 * time.Millisecond),
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Hour),
	}
	for i := 1; i < len(instants); i++ {
		prev := FormatTimestamp(instants[i-1])
		cur := FormatTimestamp(instants[i])
		require.Less(t, prev, cur, "timestamps must sort lexically in time order")
		require.Len(t, cur, len(prev), "timestamps must be fixed width")
	}
}

func TestParseTimestamp_RoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	parsed, err := ParseTimestamp(FormatTimestamp(at))
	require.NoError(t, err)
	require.True(t, parsed.Equal(at))
}

func TestParseTimestamp_Malformed(t *testing.T) {
	_, err := ParseTimestamp("not-a-timestamp")
	require.Error(t, err)
}

func TestNextTimestamp_StrictlyGreater(t *testing.T) {
	ts := FormatTimestamp(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	next, err := NextTimestamp(ts)
	require.NoError(t, err)
	require.Greater(t, next, ts)
	require.Len(t, next, len(ts))

	prev, err := ParseTimestamp(ts)
	require.NoError(t, err)
	cur, err := ParseTimestamp(next)
	require.NoError(t, err)
	require.Equal(t, time.Duration(1), cur.Sub(prev))
}

func TestCompositeKeyFor(t *testing.T) {
	require.Equal(t, "g1#npc42", CompositeKeyFor("g1", "npc42"))
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, ConversationTurn{ExpiresAt: now.Add(-time.Minute).Unix()}.Expired(now))
	require.False(t, ConversationTurn{ExpiresAt: now.Add(time.Minute).Unix()}.Expired(now))
	require.False(t, ConversationTurn{}.Expired(now), "zero expiry means no expiry")
}
