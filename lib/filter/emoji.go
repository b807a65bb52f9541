package filter

import (
	"context"
	"fmt"

	"github.com/forPelevin/gomoji"
)

// EmojiDetector flags messages with more than MaxAllowed emojis. Emoji floods
// are a cheap tell for promo spam, and counting is local so this check sits
// early in the chain.
type EmojiDetector struct {
	MaxAllowed int // max emoji count per message, negative disables the check
}

// Name returns the detector name
func (d *EmojiDetector) Name() string { return "emoji" }

// Check counts emojis in the message body.
func (d *EmojiDetector) Check(_ context.Context, req Request) Response {
	if d.MaxAllowed < 0 {
		return Response{Name: d.Name(), Spam: false, Details: "disabled"}
	}
	count := len(gomoji.CollectAll(req.Msg))
	return Response{Name: d.Name(), Spam: count > d.MaxAllowed, Details: fmt.Sprintf("%d/%d", count, d.MaxAllowed)}
}
