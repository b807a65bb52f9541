package relay

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/umputun/tg-relay/app/storage"
	"github.com/umputun/tg-relay/lib/filter"
)

// admin intents. Parsing and menu rendering happen in the events package;
// the engine only receives the resolved operation plus acting-admin identity.

// AdminOps is the part of the engine the admin surface drives
type AdminOps struct {
	engine   *Engine
	keywords *storage.Keywords
	detector *filter.KeywordDetector
}

// NewAdminOps creates the admin operations facade and loads the keyword
// matcher snapshot from the store.
func NewAdminOps(ctx context.Context, engine *Engine, keywords *storage.Keywords, detector *filter.KeywordDetector) (*AdminOps, error) {
	res := &AdminOps{engine: engine, keywords: keywords, detector: detector}
	if err := res.ReloadKeywords(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// Ban soft-bans a user; all their inbound is dropped before classification
func (a *AdminOps) Ban(ctx context.Context, userID int64, admin, reason string) error {
	if err := a.engine.users.SetBanned(ctx, userID, true, reason); err != nil {
		return fmt.Errorf("failed to ban user %d: %w", userID, err)
	}
	log.Printf("[INFO] user %d banned by %s, reason %q", userID, admin, reason)
	return nil
}

// Unban lifts a soft ban
func (a *AdminOps) Unban(ctx context.Context, userID int64, admin string) error {
	if err := a.engine.users.SetBanned(ctx, userID, false, ""); err != nil {
		return fmt.Errorf("failed to unban user %d: %w", userID, err)
	}
	log.Printf("[INFO] user %d unbanned by %s", userID, admin)
	return nil
}

// Terminate closes the user's open thread on the platform and in the store.
// The user is not notified; their next message opens a fresh thread.
func (a *AdminOps) Terminate(ctx context.Context, userID int64, admin string) error {
	th, err := a.engine.threads.Open(ctx, userID)
	if err != nil {
		return fmt.Errorf("no open thread for user %d: %w", userID, err)
	}
	if err := a.engine.transport.CloseThread(ctx, th.ID); err != nil {
		log.Printf("[WARN] failed to close thread %d on platform: %v", th.ID, err)
	}
	if err := a.engine.threads.Close(ctx, th.ID); err != nil {
		return fmt.Errorf("failed to close thread %d: %w", th.ID, err)
	}
	log.Printf("[INFO] thread %d of user %d terminated by %s", th.ID, userID, admin)
	return nil
}

// TerminateThread closes a thread addressed by its id, for staff closing the
// topic they are in.
func (a *AdminOps) TerminateThread(ctx context.Context, threadID int64, admin string) error {
	userID, err := a.engine.threads.Owner(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to find owner of thread %d: %w", threadID, err)
	}
	return a.Terminate(ctx, userID, admin)
}

// AddKeyword validates, persists and activates a spam keyword pattern
func (a *AdminOps) AddKeyword(ctx context.Context, pattern, admin string) error {
	if err := a.keywords.Add(ctx, pattern, admin); err != nil {
		return err
	}
	if err := a.ReloadKeywords(ctx); err != nil {
		return err
	}
	log.Printf("[INFO] keyword %q added by %s", pattern, admin)
	return nil
}

// RemoveKeyword deletes a keyword pattern and rebuilds the matcher
func (a *AdminOps) RemoveKeyword(ctx context.Context, pattern, admin string) error {
	if err := a.keywords.Delete(ctx, pattern); err != nil {
		return err
	}
	if err := a.ReloadKeywords(ctx); err != nil {
		return err
	}
	log.Printf("[INFO] keyword %q removed by %s", pattern, admin)
	return nil
}

// ReloadKeywords rebuilds the keyword matcher snapshot from the store
func (a *AdminOps) ReloadKeywords(ctx context.Context) error {
	patterns, err := a.keywords.Patterns(ctx)
	if err != nil {
		return fmt.Errorf("failed to read keyword patterns: %w", err)
	}
	if err := a.detector.Update(patterns); err != nil {
		return fmt.Errorf("failed to rebuild keyword matcher: %w", err)
	}
	return nil
}

// Owner returns the user owning a thread
func (a *AdminOps) Owner(ctx context.Context, threadID int64) (int64, error) {
	userID, err := a.engine.threads.Owner(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to find owner of thread %d: %w", threadID, err)
	}
	return userID, nil
}

// CaptchaReset unblocks a captcha-failed user, next contact re-issues a
// challenge from scratch.
func (a *AdminOps) CaptchaReset(ctx context.Context, userID int64, admin string) error {
	if err := a.engine.users.SetCaptcha(ctx, userID, storage.CaptchaUnchallenged, 0); err != nil {
		return fmt.Errorf("failed to reset captcha for user %d: %w", userID, err)
	}
	a.engine.captcha.Reset(userID)
	log.Printf("[INFO] captcha reset for user %d by %s", userID, admin)
	return nil
}

// StaffReply delivers a staff message posted in a thread back to the thread's
// owner. Returns the delivered message id for edit and delete propagation.
func (a *AdminOps) StaffReply(ctx context.Context, threadID int64, text string) (int64, error) {
	userID, err := a.engine.threads.Owner(ctx, threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("thread %d has no owner: %w", threadID, err)
		}
		return 0, fmt.Errorf("failed to find owner of thread %d: %w", threadID, err)
	}
	msgID, err := a.engine.transport.Send(ctx, Destination{ChatID: userID}, text, false)
	if err != nil {
		return 0, fmt.Errorf("failed to deliver staff reply to user %d: %w", userID, err)
	}
	return msgID, nil
}

// StaffEdit propagates a staff-side edit to the user's copy of the message
func (a *AdminOps) StaffEdit(ctx context.Context, threadID, userMsgID int64, text string) error {
	userID, err := a.engine.threads.Owner(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to find owner of thread %d: %w", threadID, err)
	}
	if err := a.engine.transport.EditMessage(ctx, Destination{ChatID: userID}, userMsgID, text); err != nil {
		return fmt.Errorf("failed to edit message %d for user %d: %w", userMsgID, userID, err)
	}
	return nil
}

// StaffDelete removes the user's copy of a staff message
func (a *AdminOps) StaffDelete(ctx context.Context, threadID, userMsgID int64) error {
	userID, err := a.engine.threads.Owner(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to find owner of thread %d: %w", threadID, err)
	}
	if err := a.engine.transport.DeleteMessage(ctx, Destination{ChatID: userID}, userMsgID); err != nil {
		return fmt.Errorf("failed to delete message %d for user %d: %w", userMsgID, userID, err)
	}
	return nil
}
