package relay

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/umputun/tg-relay/app/storage"
)

// AutoReply matches inbound text against time-windowed reply rules. Rules are
// compiled into an immutable snapshot on load; Match reads the snapshot
// without locking. The time window is evaluated at match time, a rule past
// its window stays in the snapshot but never fires.
type AutoReply struct {
	replies *storage.Replies
	rules   atomic.Pointer[[]compiledReply]
}

type compiledReply struct {
	rule storage.ReplyRule
	re   *regexp.Regexp // nil for plain substring triggers
	text string         // lowercased trigger for plain match
}

// NewAutoReply creates the engine and loads the current rule set
func NewAutoReply(ctx context.Context, replies *storage.Replies) (*AutoReply, error) {
	res := &AutoReply{replies: replies}
	if err := res.Reload(ctx); err != nil {
		return nil, fmt.Errorf("failed to load auto-reply rules: %w", err)
	}
	return res, nil
}

// Reload rebuilds the compiled snapshot from the store. Rules with a regex
// trigger that fails to compile are skipped with a warning; the store
// validates on write so this only happens on hand-edited data.
func (a *AutoReply) Reload(ctx context.Context) error {
	rules, err := a.replies.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list reply rules: %w", err)
	}

	compiled := make([]compiledReply, 0, len(rules))
	for _, rule := range rules {
		cr := compiledReply{rule: rule}
		if rule.IsRegexp {
			re, err := regexp.Compile(rule.Trigger)
			if err != nil {
				log.Printf("[WARN] skipping reply rule %d, trigger %q does not compile: %v", rule.ID, rule.Trigger, err)
				continue
			}
			cr.re = re
		} else {
			cr.text = strings.ToLower(rule.Trigger)
		}
		compiled = append(compiled, cr)
	}
	a.rules.Store(&compiled)
	log.Printf("[DEBUG] auto-reply snapshot rebuilt, %d rules", len(compiled))
	return nil
}

// Match returns the reply for the highest-priority rule matching text with an
// active window at now. Second return is false if nothing fires.
func (a *AutoReply) Match(text string, now time.Time) (string, bool) {
	rules := a.rules.Load()
	if rules == nil {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, cr := range *rules { // already in priority-desc order
		if !cr.rule.Active(now) {
			continue
		}
		if cr.re != nil {
			if cr.re.MatchString(text) {
				return cr.rule.Response, true
			}
			continue
		}
		if strings.Contains(lower, cr.text) {
			return cr.rule.Response, true
		}
	}
	return "", false
}
