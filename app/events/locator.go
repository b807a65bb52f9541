package events

import (
	"fmt"
	"time"
)

// Locator remembers which user-chat message a staff reply was delivered as,
// keyed by the staff-side (thread, message id) pair. Needed to propagate
// staff edits and deletes to the user's copy. Entries expire after ttl, the
// mapping is derived state and losing it only disables late edits.
// Note: it is not thread-safe, use it from a single goroutine only.
type Locator struct {
	ttl             time.Duration
	data            map[string]delivery
	lastRemoval     time.Time
	cleanupDuration time.Duration
}

type delivery struct {
	time      time.Time
	userMsgID int64
}

// NewLocator creates new Locator keeping entries for ttl
func NewLocator(ttl time.Duration) *Locator {
	return &Locator{
		ttl:             ttl,
		data:            make(map[string]delivery),
		lastRemoval:     time.Now(),
		cleanupDuration: 5 * time.Minute,
	}
}

// Add records a staff message and the user-chat message it was delivered as
func (l *Locator) Add(threadID int64, staffMsgID int, userMsgID int64) {
	l.data[l.key(threadID, staffMsgID)] = delivery{time: time.Now(), userMsgID: userMsgID}
	l.cleanup()
}

// Get returns the user-chat message id for a staff message, if still known
func (l *Locator) Get(threadID int64, staffMsgID int) (int64, bool) {
	res, ok := l.data[l.key(threadID, staffMsgID)]
	if !ok || time.Since(res.time) > l.ttl {
		return 0, false
	}
	return res.userMsgID, true
}

func (l *Locator) key(threadID int64, staffMsgID int) string {
	return fmt.Sprintf("%d:%d", threadID, staffMsgID)
}

// cleanup removes entries older than ttl, at most once per cleanupDuration
func (l *Locator) cleanup() {
	if time.Since(l.lastRemoval) < l.cleanupDuration {
		return
	}
	for k, v := range l.data {
		if time.Since(v.time) > l.ttl {
			delete(l.data, k)
		}
	}
	l.lastRemoval = time.Now()
}
