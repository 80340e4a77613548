package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// ImportanceScore rates a conversation turn: 0.5 base, +0.2 when the user
// asked a question, plus up to 0.3 for length, capped at 1.0.
func ImportanceScore(user, reply string) float64 {
	score := 0.5
	if strings.Contains(user, "?") {
		score += 0.2
	}
	length := utf8.RuneCountInString(user) + utf8.RuneCountInString(reply)
	score += math.Min(float64(length)/1000, 0.3)
	return math.Min(score, 1.0)
}

// persistThreshold separates turns worth embedding from those only cached.
const persistThreshold = 0.3

// AutoStore records finished conversation turns into one of the two tiers.
type AutoStore struct {
	persistent *Persistent
	ephemeral  *Ephemeral
	now        func() time.Time
}

func NewAutoStore(persistent *Persistent, ephemeral *Ephemeral) *AutoStore {
	return &AutoStore{persistent: persistent, ephemeral: ephemeral, now: time.Now}
}

// Record stores the turn and reports whether it went to persistent memory.
func (a *AutoStore) Record(ctx context.Context, agentID, user, reply string) (bool, error) {
	score := ImportanceScore(user, reply)
	content := truncateRunes(fmt.Sprintf("User: %s\nAssistant: %s", user, reply), MaxContentLength)

	if score > persistThreshold && a.persistent != nil {
		_, err := a.persistent.Store(ctx, agentID, content, map[string]string{
			"type":   "conversation",
			"source": "auto",
		}, score)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	if a.ephemeral == nil {
		return false, nil
	}
	key := fmt.Sprintf("conversation:%d", a.now().UnixNano())
	return false, a.ephemeral.Store(agentID, key, content)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
