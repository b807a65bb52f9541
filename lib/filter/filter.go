// Package filter provides an ordered spam-detection pipeline for relay bots.
// Each detector implements the Check capability and returns a verdict; the
// pipeline runs detectors in registration order and short-circuits on the
// first spam verdict. External detectors run under a bounded timeout with a
// configurable fail-open or fail-closed policy.
package filter

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Request is a message to classify.
type Request struct {
	Msg      string  `json:"msg"`       // message text or caption
	UserID   int64   `json:"user_id"`   // sender id
	UserName string  `json:"user_name"` // sender name
	Images   []Image `json:"-"`         // attached images, for multimodal detectors
}

// Image is an attached image passed to multimodal detectors.
type Image struct {
	Data []byte // raw image bytes
	MIME string // mime type, defaults to image/jpeg if empty
}

func (r *Request) String() string {
	return fmt.Sprintf("msg:%q, user:%q, id:%d, images:%d", r.Msg, r.UserName, r.UserID, len(r.Images))
}

// Response is a verdict from a single detector.
type Response struct {
	Name    string `json:"name"`    // name of the detector
	Spam    bool   `json:"spam"`    // true if spam
	Details string `json:"details"` // details of the verdict
	Error   error  `json:"-"`       // set if the detector failed, resolved by the pipeline policy
}

func (r *Response) String() string {
	verdict := "clean"
	if r.Spam {
		verdict = "spam"
	}
	return fmt.Sprintf("%s: %s, %s", r.Name, verdict, r.Details)
}

// ResponsesToString converts a slice of responses to a single string
func ResponsesToString(responses []Response) string {
	elems := make([]string, 0, len(responses))
	for i := range responses {
		elems = append(elems, "{"+responses[i].String()+"}")
	}
	return "[" + strings.Join(elems, ", ") + "]"
}

// Detector is a single spam check. Implementations must be safe for
// concurrent use; Check should honor ctx cancellation for anything that
// can block on external dependencies.
type Detector interface {
	Check(ctx context.Context, req Request) Response
	Name() string
}

// Policy defines how the pipeline treats a failed or timed-out detector.
type Policy string

// enum of degradation policies
const (
	FailOpen   Policy = "open"   // treat detector failure as clean, default
	FailClosed Policy = "closed" // treat detector failure as spam
)

// Validate checks if the policy is one of the supported values
func (p Policy) Validate() error {
	switch p {
	case FailOpen, FailClosed:
		return nil
	}
	return fmt.Errorf("invalid policy: %q", p)
}

// Pipeline is an ordered chain of detectors producing a single verdict per
// message. Thread-safe as long as the registered detectors are.
type Pipeline struct {
	detectors []Detector
	timeout   time.Duration
	policy    Policy
}

// NewPipeline makes a pipeline with the given per-detector timeout and
// degradation policy. Zero timeout disables the per-detector deadline.
func NewPipeline(timeout time.Duration, policy Policy) *Pipeline {
	if policy == "" {
		policy = FailOpen
	}
	return &Pipeline{timeout: timeout, policy: policy}
}

// Add registers a detector at the end of the chain.
func (p *Pipeline) Add(d Detector) *Pipeline {
	p.detectors = append(p.detectors, d)
	return p
}

// Check runs the chain in order and returns the combined verdict with the
// individual responses collected so far. The first spam verdict terminates
// the chain. A detector error or timeout is resolved by the policy: fail-open
// continues as clean, fail-closed returns a spam verdict attributed to the
// failed detector.
func (p *Pipeline) Check(ctx context.Context, req Request) (spam bool, responses []Response) {
	for _, d := range p.detectors {
		resp := p.checkOne(ctx, d, req)

		if resp.Error != nil {
			log.Printf("[WARN] detector %q degraded (policy %s): %v", d.Name(), p.policy, resp.Error)
			if p.policy == FailClosed {
				resp.Spam = true
				resp.Details = "detector unavailable, fail-closed"
				responses = append(responses, resp)
				return true, responses
			}
			resp.Spam = false
			resp.Details = "detector unavailable, fail-open"
			responses = append(responses, resp)
			continue
		}

		responses = append(responses, resp)
		if resp.Spam {
			return true, responses
		}
	}
	return false, responses
}

// checkOne runs a single detector under the pipeline timeout
func (p *Pipeline) checkOne(ctx context.Context, d Detector, req Request) Response {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	type result struct{ resp Response }
	done := make(chan result, 1)
	go func() { done <- result{d.Check(ctx, req)} }()

	select {
	case res := <-done:
		return res.resp
	case <-ctx.Done():
		return Response{Name: d.Name(), Error: fmt.Errorf("detector %q: %w", d.Name(), ctx.Err())}
	}
}
