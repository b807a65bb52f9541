package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/umputun/tg-relay/app/storage"
	"github.com/umputun/tg-relay/lib/filter"
)

// Engine drives the per-message pipeline: user upsert, ban drop, captcha
// gate, spam filter, thread resolution, staff-side forward and auto-reply.
// One Handle call processes one inbound message; the dispatcher guarantees
// per-user serialization, so Handle never races with itself for the same user.
type Engine struct {
	transport  Transport
	users      *storage.Users
	threads    *storage.Threads
	pipeline   *filter.Pipeline
	captcha    *Captcha
	autoReply  *AutoReply
	spamLogger SpamLogger

	groupID      int64 // staff group chat
	spamThreadID int64 // intake topic for spam verdicts

	now func() time.Time
}

// EngineParams is all dependencies of the Engine
type EngineParams struct {
	Transport    Transport
	Users        *storage.Users
	Threads      *storage.Threads
	Pipeline     *filter.Pipeline
	Captcha      *Captcha
	AutoReply    *AutoReply
	SpamLogger   SpamLogger
	GroupID      int64
	SpamThreadID int64
}

// NewEngine creates the processing engine
func NewEngine(params EngineParams) *Engine {
	res := &Engine{
		transport:    params.Transport,
		users:        params.Users,
		threads:      params.Threads,
		pipeline:     params.Pipeline,
		captcha:      params.Captcha,
		autoReply:    params.AutoReply,
		spamLogger:   params.SpamLogger,
		groupID:      params.GroupID,
		spamThreadID: params.SpamThreadID,
		now:          time.Now,
	}
	if res.spamLogger == nil {
		res.spamLogger = SpamLoggerFunc(func(msg Message, responses []filter.Response) {})
	}
	return res
}

// Handle runs the full pipeline for one inbound message. Returned errors
// wrapping ErrTransient make the dispatcher re-enqueue the message.
func (e *Engine) Handle(ctx context.Context, msg Message) error {
	user, err := e.users.Upsert(ctx, storage.User{
		ID: msg.UserID, UserName: msg.UserName, DisplayName: msg.DisplayName, Lang: msg.Lang})
	if err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", msg.UserID, err)
	}

	if user.Banned {
		log.Printf("[DEBUG] dropped message %d from banned user %d", msg.ID, user.ID)
		return nil
	}
	if user.CaptchaState == storage.CaptchaFailed {
		log.Printf("[DEBUG] dropped message %d from captcha-blocked user %d", msg.ID, user.ID)
		return nil
	}

	if e.captcha.Enabled() && user.CaptchaState != storage.CaptchaPassed {
		return e.handleCaptcha(ctx, user, msg)
	}

	spam, responses := e.pipeline.Check(ctx, filter.Request{
		Msg: msg.Text, UserID: msg.UserID, UserName: msg.UserName, Images: msg.Images})
	if spam {
		return e.routeSpam(ctx, msg, responses)
	}

	threadID, err := e.resolveOrCreate(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to resolve thread for user %d: %w", user.ID, err)
	}

	dest := Destination{ChatID: e.groupID, ThreadID: threadID}
	if err := e.transport.Forward(ctx, dest, msg.UserID, msg.ID, false); err != nil {
		return fmt.Errorf("failed to forward message %d to thread %d: %w", msg.ID, threadID, err)
	}

	if reply, ok := e.autoReply.Match(msg.Text, e.now()); ok {
		// forward already happened, a reply failure should not replay the
		// whole message
		if _, err := e.transport.Send(ctx, Destination{ChatID: msg.UserID}, reply, false); err != nil {
			log.Printf("[WARN] failed to auto-reply to user %d: %v", msg.UserID, err)
		}
	}
	return nil
}

// handleCaptcha consumes a message from a not-yet-verified user. Messages in
// pending state only feed answer evaluation and are never forwarded.
func (e *Engine) handleCaptcha(ctx context.Context, user storage.User, msg Message) error {
	if user.CaptchaState == storage.CaptchaUnchallenged {
		return e.issueChallenge(ctx, user, user.CaptchaAttempts)
	}

	// pending
	correct, active := e.captcha.Verify(user.ID, msg.Text)
	if !active { // challenge expired, behaves like first contact
		return e.issueChallenge(ctx, user, user.CaptchaAttempts)
	}
	if correct {
		if err := e.users.SetCaptcha(ctx, user.ID, storage.CaptchaPassed, user.CaptchaAttempts); err != nil {
			return fmt.Errorf("failed to mark captcha passed for user %d: %w", user.ID, err)
		}
		log.Printf("[INFO] user %d passed captcha", user.ID)
		if _, err := e.transport.Send(ctx, Destination{ChatID: user.ID},
			"You are verified now, how can we help you?", false); err != nil {
			log.Printf("[WARN] failed to confirm captcha to user %d: %v", user.ID, err)
		}
		return nil
	}

	attempts := user.CaptchaAttempts + 1
	if attempts >= e.captcha.MaxAttempts() {
		if err := e.users.SetCaptcha(ctx, user.ID, storage.CaptchaFailed, attempts); err != nil {
			return fmt.Errorf("failed to mark captcha failed for user %d: %w", user.ID, err)
		}
		e.captcha.Reset(user.ID)
		log.Printf("[WARN] user %d blocked after %d failed captcha attempts", user.ID, attempts)
		return nil
	}
	if err := e.users.SetCaptcha(ctx, user.ID, storage.CaptchaPending, attempts); err != nil {
		return fmt.Errorf("failed to bump captcha attempts for user %d: %w", user.ID, err)
	}
	question := e.captcha.Issue(user.ID)
	if _, err := e.transport.Send(ctx, Destination{ChatID: user.ID},
		"Wrong answer, try again. "+question, false); err != nil {
		return fmt.Errorf("failed to send captcha retry to user %d: %w", user.ID, err)
	}
	return nil
}

func (e *Engine) issueChallenge(ctx context.Context, user storage.User, attempts int) error {
	question := e.captcha.Issue(user.ID)
	if err := e.users.SetCaptcha(ctx, user.ID, storage.CaptchaPending, attempts); err != nil {
		return fmt.Errorf("failed to mark captcha pending for user %d: %w", user.ID, err)
	}
	if _, err := e.transport.Send(ctx, Destination{ChatID: user.ID},
		"Please verify you are human. "+question, false); err != nil {
		return fmt.Errorf("failed to send captcha challenge to user %d: %w", user.ID, err)
	}
	return nil
}

// routeSpam delivers a spam verdict to the intake topic, silently, with no
// thread involvement even if the sender has one open.
func (e *Engine) routeSpam(ctx context.Context, msg Message, responses []filter.Response) error {
	e.spamLogger.Save(msg, responses)
	log.Printf("[INFO] spam from user %d (%s): %s", msg.UserID, msg.UserName, filter.ResponsesToString(responses))

	dest := Destination{ChatID: e.groupID, ThreadID: e.spamThreadID}
	if err := e.transport.Forward(ctx, dest, msg.UserID, msg.ID, true); err != nil {
		return fmt.Errorf("failed to route spam message %d: %w", msg.ID, err)
	}
	return nil
}

// resolveOrCreate returns the user's open thread, creating one if absent.
// The partial unique index backstops the sharding invariant: if another
// writer won the race the conflict is resolved by re-reading its row and
// closing the orphaned topic.
func (e *Engine) resolveOrCreate(ctx context.Context, user storage.User) (int64, error) {
	th, err := e.threads.Open(ctx, user.ID)
	if err == nil {
		return th.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	threadID, err := e.transport.CreateThread(ctx, threadTitle(user))
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	if err := e.threads.Create(ctx, threadID, user.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Printf("[WARN] thread conflict for user %d, using the winning row", user.ID)
			if cerr := e.transport.CloseThread(ctx, threadID); cerr != nil {
				log.Printf("[WARN] failed to close orphaned thread %d: %v", threadID, cerr)
			}
			winner, rerr := e.threads.Open(ctx, user.ID)
			if rerr != nil {
				return 0, fmt.Errorf("failed to re-read thread for user %d: %w", user.ID, rerr)
			}
			return winner.ID, nil
		}
		return 0, fmt.Errorf("failed to persist thread %d: %w", threadID, err)
	}
	return threadID, nil
}

func threadTitle(user storage.User) string {
	name := strings.TrimSpace(user.DisplayName)
	if name == "" {
		name = user.UserName
	}
	if name == "" {
		name = fmt.Sprintf("user %d", user.ID)
	}
	if user.UserName != "" && user.UserName != name {
		return fmt.Sprintf("%s (@%s)", name, user.UserName)
	}
	return name
}
