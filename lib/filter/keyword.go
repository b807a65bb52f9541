package filter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// KeywordDetector matches the message body (and image-less captions folded
// into it) against a single compiled alternation over all active patterns.
// The compiled snapshot is swapped atomically on update, so the hot path
// takes no locks and matching cost is O(n) in the message length regardless
// of the number of patterns.
type KeywordDetector struct {
	re atomic.Pointer[regexp.Regexp] // nil when no patterns loaded
}

// NewKeywordDetector makes a detector with no patterns loaded.
func NewKeywordDetector() *KeywordDetector { return &KeywordDetector{} }

// Name returns the detector name
func (d *KeywordDetector) Name() string { return "keyword" }

// Update compiles the given patterns into a single alternation and swaps the
// snapshot. Each pattern is validated individually first, so the error names
// the offending pattern and the previous snapshot stays active on failure.
// Empty set clears the snapshot.
func (d *KeywordDetector) Update(patterns []string) error {
	if len(patterns) == 0 {
		d.re.Store(nil)
		return nil
	}

	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid keyword pattern %q: %w", p, err)
		}
		parts = append(parts, "(?:"+p+")")
	}
	if len(parts) == 0 {
		d.re.Store(nil)
		return nil
	}

	re, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
	if err != nil {
		return fmt.Errorf("failed to compile keyword alternation: %w", err)
	}
	d.re.Store(re)
	return nil
}

// Check matches the message against the compiled alternation, once per body.
func (d *KeywordDetector) Check(_ context.Context, req Request) Response {
	re := d.re.Load()
	if re == nil {
		return Response{Name: d.Name(), Spam: false, Details: "no keywords defined"}
	}
	if loc := re.FindStringIndex(req.Msg); loc != nil {
		return Response{Name: d.Name(), Spam: true, Details: fmt.Sprintf("matched %q", req.Msg[loc[0]:loc[1]])}
	}
	return Response{Name: d.Name(), Spam: false, Details: "no keyword match"}
}
