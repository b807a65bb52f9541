package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// RulesDoc is the human-editable yaml view of keywords and auto-reply rules.
// Operators can dump the current set to a file, edit it and load it back, or
// point the app at a watched file for live reloading.
type RulesDoc struct {
	Keywords []string       `yaml:"keywords"`
	Replies  []ReplyDocRule `yaml:"replies"`
}

// ReplyDocRule is the yaml form of an auto-reply rule
type ReplyDocRule struct {
	Trigger  string     `yaml:"trigger"`
	Regexp   bool       `yaml:"regexp,omitempty"`
	Response string     `yaml:"response"`
	Priority int        `yaml:"priority,omitempty"`
	StartsAt *time.Time `yaml:"starts_at,omitempty"`
	EndsAt   *time.Time `yaml:"ends_at,omitempty"`
}

// Rules combines keyword and reply stores behind the yaml document interface
type Rules struct {
	Keywords *Keywords
	Replies  *Replies
}

// Export writes the current keyword and reply sets as yaml
func (r *Rules) Export(ctx context.Context, w io.Writer) error {
	patterns, err := r.Keywords.Patterns(ctx)
	if err != nil {
		return fmt.Errorf("failed to read keywords: %w", err)
	}
	rules, err := r.Replies.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read reply rules: %w", err)
	}

	doc := RulesDoc{Keywords: patterns, Replies: make([]ReplyDocRule, 0, len(rules))}
	for _, rule := range rules {
		dr := ReplyDocRule{Trigger: rule.Trigger, Regexp: rule.IsRegexp, Response: rule.Response, Priority: rule.Priority}
		if rule.StartsAt.Valid {
			t := rule.StartsAt.Time
			dr.StartsAt = &t
		}
		if rule.EndsAt.Valid {
			t := rule.EndsAt.Time
			dr.EndsAt = &t
		}
		doc.Replies = append(doc.Replies, dr)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode rules doc: %w", err)
	}
	return enc.Close()
}

// Load parses a yaml document and replaces both stores with its content.
// Every entry is validated first and a document with any invalid entry is
// rejected whole, reporting all problems at once.
func (r *Rules) Load(ctx context.Context, reader io.Reader) error {
	var doc RulesDoc
	if err := yaml.NewDecoder(reader).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode rules doc: %w", err)
	}

	var merr *multierror.Error
	for i, pattern := range doc.Keywords {
		if pattern == "" {
			merr = multierror.Append(merr, fmt.Errorf("keyword %d: empty pattern: %w", i+1, ErrInvalidRule))
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("keyword %d: %q does not compile: %w", i+1, pattern, ErrInvalidRule))
		}
	}

	rules := make([]ReplyRule, 0, len(doc.Replies))
	for i, dr := range doc.Replies {
		if dr.Trigger == "" {
			merr = multierror.Append(merr, fmt.Errorf("reply %d: empty trigger: %w", i+1, ErrInvalidRule))
			continue
		}
		if dr.Response == "" {
			merr = multierror.Append(merr, fmt.Errorf("reply %d: empty response: %w", i+1, ErrInvalidRule))
			continue
		}
		if dr.Regexp {
			if _, err := regexp.Compile(dr.Trigger); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("reply %d: trigger %q does not compile: %w", i+1, dr.Trigger, ErrInvalidRule))
				continue
			}
		}
		rule := ReplyRule{Trigger: dr.Trigger, IsRegexp: dr.Regexp, Response: dr.Response, Priority: dr.Priority}
		if dr.StartsAt != nil {
			rule.StartsAt = sql.NullTime{Time: *dr.StartsAt, Valid: true}
		}
		if dr.EndsAt != nil {
			rule.EndsAt = sql.NullTime{Time: *dr.EndsAt, Valid: true}
		}
		if rule.StartsAt.Valid && rule.EndsAt.Valid && rule.EndsAt.Time.Before(rule.StartsAt.Time) {
			merr = multierror.Append(merr, fmt.Errorf("reply %d: window ends before it starts: %w", i+1, ErrInvalidRule))
			continue
		}
		rules = append(rules, rule)
	}

	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("rules doc rejected: %w", err)
	}

	keywords := make([]Keyword, 0, len(doc.Keywords))
	for _, pattern := range doc.Keywords {
		keywords = append(keywords, Keyword{Pattern: pattern, Author: "import"})
	}
	if err := r.Keywords.Replace(ctx, keywords); err != nil {
		return fmt.Errorf("failed to replace keywords: %w", err)
	}
	if err := r.Replies.Replace(ctx, rules); err != nil {
		return fmt.Errorf("failed to replace reply rules: %w", err)
	}
	return nil
}

// Watch starts watching a rules file and reloads it on every write. Blocks
// until ctx is canceled. Invalid documents are logged and skipped, keeping
// the last good set in place.
func (r *Rules) Watch(ctx context.Context, path string, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	done := make(chan bool)
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] stopping rules watcher for %s, %v", path, ctx.Err())
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					data, e := readRulesFile(path)
					if e != nil {
						log.Printf("[WARN] failed to read updated rules file %s: %v", path, e)
						continue
					}
					if e = r.Load(ctx, data); e != nil {
						log.Printf("[WARN] failed to load updated rules file %s: %v", path, e)
						continue
					}
					log.Printf("[INFO] rules reloaded from %s", path)
					if onReload != nil {
						onReload()
					}
				}
			case e, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] rules watcher error: %v", e)
			}
		}
	}()

	if err = watcher.Add(path); err != nil {
		return fmt.Errorf("failed to add %s to watcher: %w", path, err)
	}
	<-done
	return nil
}

func readRulesFile(path string) (io.Reader, error) {
	file, err := os.Open(path) //nolint gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return bytes.NewReader(data), nil
}
