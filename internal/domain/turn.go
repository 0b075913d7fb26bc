package domain

import (
	"fmt"
	"strconv"
	"time"
)

// timestampWidth pads epoch nanoseconds so lexicographic order on the sort
// key matches chronological order.
const timestampWidth = 20

// ConversationTurn is one persisted player-utterance/NPC-reply exchange.
type ConversationTurn struct {
	CompositeKey    string
	Timestamp       string
	GameID          string
	CharacterID     string
	PlayerUtterance string
	NPCReply        string
	ExpiresAt       int64
}

// CompositeKey groups all turns of one NPC within one game instance.
func CompositeKeyFor(gameID, characterID string) string {
	return gameID + "#" + characterID
}

// FormatTimestamp renders t as a zero-padded decimal epoch-nanosecond string.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%0*d", timestampWidth, t.UnixNano())
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("domain: parse timestamp %q: %w", s, err)
	}
	return time.Unix(0, n).UTC(), nil
}

// NextTimestamp returns the smallest timestamp strictly greater than prev,
// used to resolve sort-key collisions on append.
func NextTimestamp(prev string) (string, error) {
	n, err := strconv.ParseInt(prev, 10, 64)
	if err != nil {
		return "", fmt.Errorf("domain: next timestamp after %q: %w", prev, err)
	}
	return fmt.Sprintf("%0*d", timestampWidth, n+1), nil
}

// Expired reports whether the turn's expiry instant has passed at now.
func (t ConversationTurn) Expired(now time.Time) bool {
	return t.ExpiresAt != 0 && t.ExpiresAt <= now.Unix()
}
