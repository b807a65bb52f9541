package relay

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

// Captcha issues and verifies arithmetic liveness challenges. Active
// challenges live in a TTL cache only; the durable captcha state on the user
// record is the source of truth, so a lost challenge just means a fresh one
// on the next contact.
type Captcha struct {
	enabled     bool
	maxAttempts int
	ttl         time.Duration
	challenges  cache.Cache[int64, captchaChallenge]
	randInt     func(n int) int // swapped in tests for deterministic questions
}

type captchaChallenge struct {
	question string
	answer   string
}

// NewCaptcha creates the challenge service. With enabled false all gating is
// skipped and every user passes through.
func NewCaptcha(enabled bool, maxAttempts int, ttl time.Duration) *Captcha {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Captcha{
		enabled:     enabled,
		maxAttempts: maxAttempts,
		ttl:         ttl,
		challenges:  cache.NewCache[int64, captchaChallenge]().WithTTL(ttl),
		randInt:     rand.Intn,
	}
}

// Enabled reports if captcha gating is on
func (c *Captcha) Enabled() bool { return c.enabled }

// MaxAttempts returns the attempt limit before a user is blocked
func (c *Captcha) MaxAttempts() int { return c.maxAttempts }

// Issue creates a fresh challenge for the user, replacing any active one,
// and returns the question text to send.
func (c *Captcha) Issue(userID int64) string {
	a, b := c.randInt(9)+1, c.randInt(9)+1
	ch := captchaChallenge{
		question: fmt.Sprintf("What is %d + %d?", a, b),
		answer:   strconv.Itoa(a + b),
	}
	c.challenges.Set(userID, ch, c.ttl)
	return ch.question
}

// Active reports if the user has a live, unexpired challenge
func (c *Captcha) Active(userID int64) bool {
	_, ok := c.challenges.Get(userID)
	return ok
}

// Verify checks the answer against the user's active challenge. The second
// return is false when no challenge is live, expired or never issued.
func (c *Captcha) Verify(userID int64, answer string) (correct, active bool) {
	ch, ok := c.challenges.Get(userID)
	if !ok {
		return false, false
	}
	if strings.TrimSpace(answer) != ch.answer {
		return false, true
	}
	c.challenges.Invalidate(userID)
	return true, true
}

// Reset drops any active challenge, used on admin captcha reset
func (c *Captcha) Reset(userID int64) {
	c.challenges.Invalidate(userID)
}
